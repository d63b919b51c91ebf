package payments

import (
	"context"
	"strings"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/square"
)

type squareAPI interface {
	EnsureCustomer(ctx context.Context, params square.CustomerCreateParams) (*sq.Customer, error)
	CreatePayment(ctx context.Context, params square.PaymentCreateParams) (*sq.Payment, error)
	CreateCard(ctx context.Context, params square.CardCreateParams) (*sq.Card, error)
	LocationID() string
	VerifySignature(body []byte, signature string) bool
}

type squareGateway struct {
	api squareAPI
}

// NewSquareGateway adapts the Square client. Square has no intent object: CreateCharge reserves the
// correlation id, and the payment is created on confirm with it as reference_id.
func NewSquareGateway(api squareAPI) Gateway {
	return &squareGateway{api: api}
}

func (g *squareGateway) Provider() enums.PaymentProvider {
	return enums.PaymentProviderSquare
}

func (g *squareGateway) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	customer, err := g.api.EnsureCustomer(ctx, square.CustomerCreateParams{
		Email:       req.Email,
		CompanyName: req.Name,
		ReferenceID: req.TenantID.String(),
	})
	if err != nil {
		return "", err
	}
	if customer == nil || customer.GetID() == nil {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "square returned no customer id")
	}
	return *customer.GetID(), nil
}

func (g *squareGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if !req.OffSession {
		return &ChargeResult{TransactionRef: req.CorrelationID, Status: ChargePending}, nil
	}
	if req.PaymentMethodRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "off-session charge requires a stored card")
	}
	res, _, err := g.pay(ctx, req.CorrelationID, req.PaymentMethodRef, req.CustomerRef, req)
	if err != nil {
		return nil, err
	}
	return &ChargeResult{TransactionRef: req.CorrelationID, Status: res.Status, FailureReason: res.FailureReason}, nil
}

// ConfirmCharge pays with the single-use card nonce and, once the payment completes, stores the card on
// the customer so renewals can charge it off-session. A card that cannot be stored leaves no method on file.
func (g *squareGateway) ConfirmCharge(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	if strings.TrimSpace(req.PaymentMethodRef) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "card source is required")
	}
	res, paymentID, err := g.pay(ctx, req.TransactionRef, req.PaymentMethodRef, req.CustomerRef, ChargeRequest{Amount: req.Amount, Currency: req.Currency})
	if err != nil || res.Status != ChargeSucceeded || req.CustomerRef == "" || paymentID == "" {
		return res, err
	}
	card, err := g.api.CreateCard(ctx, square.CardCreateParams{
		CustomerID:     req.CustomerRef,
		SourceID:       paymentID,
		ReferenceID:    req.TransactionRef,
		IdempotencyKey: uuid.NewSHA1(uuid.NameSpaceOID, []byte("card:"+req.TransactionRef)).String(),
	})
	res.PaymentMethodRef = ""
	if err == nil && card != nil && card.GetID() != nil {
		res.PaymentMethodRef = *card.GetID()
	}
	return res, nil
}

func (g *squareGateway) pay(ctx context.Context, reference, source, customer string, req ChargeRequest) (*ConfirmResult, string, error) {
	payment, err := g.api.CreatePayment(ctx, square.PaymentCreateParams{
		AmountCents:    toMinor(req.Amount),
		Currency:       req.Currency,
		LocationID:     g.api.LocationID(),
		CustomerID:     customer,
		SourceID:       source,
		IdempotencyKey: reference,
		Note:           req.Description,
		ReferenceID:    reference,
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodePaymentFailed) {
			return &ConfirmResult{Status: ChargeFailed, FailureReason: err.Error()}, "", nil
		}
		return nil, "", gatewayError(g.Provider(), "create payment", err)
	}
	status := ChargePending
	reason := ""
	paymentID := ""
	if payment != nil {
		if payment.GetStatus() != nil {
			status, reason = squareStatus(*payment.GetStatus())
		}
		if payment.GetID() != nil {
			paymentID = *payment.GetID()
		}
	}
	return &ConfirmResult{Status: status, FailureReason: reason, PaymentMethodRef: source}, paymentID, nil
}

func (g *squareGateway) VerifyInboundEvent(payload []byte, signature string) bool {
	return g.api.VerifySignature(payload, signature)
}

// squareStatus maps Square payment statuses; APPROVED waits for completion.
func squareStatus(status string) (ChargeStatus, string) {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return ChargeSucceeded, ""
	case "FAILED", "CANCELED":
		return ChargeFailed, "square payment " + strings.ToLower(status)
	default:
		return ChargePending, ""
	}
}
