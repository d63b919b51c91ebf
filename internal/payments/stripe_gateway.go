package payments

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	stripeclient "github.com/angelmondragon/billing-engine/pkg/stripe"
)

// CorrelationMetadataKey tags off-session intents with the payment row they settle.
const CorrelationMetadataKey = "correlation_id"

type stripeAPI interface {
	CreateCustomer(ctx context.Context, params stripeclient.CustomerParams) (string, error)
	CreatePaymentIntent(ctx context.Context, params stripeclient.PaymentIntentParams) (*stripe.PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, intentID, paymentMethodID string) (*stripe.PaymentIntent, error)
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

type stripeGateway struct {
	api stripeAPI
}

// NewStripeGateway adapts the Stripe client. Intents created for the tenant's client are keyed by the
// intent id; off-session intents carry the correlation id in their metadata.
func NewStripeGateway(api stripeAPI) Gateway {
	return &stripeGateway{api: api}
}

func (g *stripeGateway) Provider() enums.PaymentProvider {
	return enums.PaymentProviderStripe
}

func (g *stripeGateway) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	return g.api.CreateCustomer(ctx, stripeclient.CustomerParams{
		TenantID: req.TenantID.String(),
		Email:    req.Email,
		Name:     req.Name,
	})
}

func (g *stripeGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	metadata := map[string]string{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	params := stripeclient.PaymentIntentParams{
		AmountMinor:    toMinor(req.Amount),
		Currency:       req.Currency,
		CustomerID:     req.CustomerRef,
		Description:    req.Description,
		Metadata:       metadata,
		IdempotencyKey: req.CorrelationID,
	}
	if req.OffSession {
		if req.PaymentMethodRef == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "off-session charge requires a stored payment method")
		}
		params.OffSession = true
		params.PaymentMethodID = req.PaymentMethodRef
		metadata[CorrelationMetadataKey] = req.CorrelationID
	}

	intent, err := g.api.CreatePaymentIntent(ctx, params)
	if err != nil {
		if req.OffSession && pkgerrors.IsCode(err, pkgerrors.CodePaymentFailed) {
			return &ChargeResult{TransactionRef: req.CorrelationID, Status: ChargeFailed, FailureReason: err.Error()}, nil
		}
		return nil, gatewayError(g.Provider(), "create charge", err)
	}
	status, reason := stripeStatus(intent)
	res := &ChargeResult{
		TransactionRef: intent.ID,
		ClientSecret:   intent.ClientSecret,
		Status:         status,
		FailureReason:  reason,
	}
	if req.OffSession {
		res.TransactionRef = req.CorrelationID
		res.ClientSecret = ""
	}
	return res, nil
}

func (g *stripeGateway) ConfirmCharge(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	intent, err := g.api.ConfirmPaymentIntent(ctx, req.TransactionRef, req.PaymentMethodRef)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodePaymentFailed) {
			return &ConfirmResult{Status: ChargeFailed, FailureReason: err.Error()}, nil
		}
		return nil, gatewayError(g.Provider(), "confirm charge", err)
	}
	status, reason := stripeStatus(intent)
	res := &ConfirmResult{Status: status, FailureReason: reason}
	if intent.PaymentMethod != nil {
		res.PaymentMethodRef = intent.PaymentMethod.ID
	}
	return res, nil
}

func (g *stripeGateway) VerifyInboundEvent(payload []byte, signature string) bool {
	if strings.TrimSpace(signature) == "" {
		return false
	}
	_, err := g.api.ConstructEvent(payload, signature)
	return err == nil
}

func stripeStatus(intent *stripe.PaymentIntent) (ChargeStatus, string) {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return ChargeSucceeded, ""
	case stripe.PaymentIntentStatusCanceled:
		return ChargeFailed, "payment intent canceled"
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			return ChargeFailed, intent.LastPaymentError.Msg
		}
		return ChargePending, ""
	default:
		return ChargePending, ""
	}
}
