package billingtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

func errUnconfigured(provider enums.PaymentProvider) error {
	return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("payment provider %s is not configured", provider))
}

// FakeGateway records calls and answers with canned results. Signature is the only accepted signature.
type FakeGateway struct {
	Name      enums.PaymentProvider
	Signature string

	CustomerRef   string
	ChargeStatus  payments.ChargeStatus
	ChargeErr     error
	ConfirmResult payments.ConfirmResult
	ConfirmErr    error

	mu       sync.Mutex
	Charges  []payments.ChargeRequest
	Confirms []payments.ConfirmRequest
}

func NewFakeGateway(provider enums.PaymentProvider) *FakeGateway {
	return &FakeGateway{Name: provider, Signature: "valid", ChargeStatus: payments.ChargePending}
}

func (g *FakeGateway) Provider() enums.PaymentProvider {
	return g.Name
}

func (g *FakeGateway) CreateCustomer(context.Context, payments.CustomerRequest) (string, error) {
	return g.CustomerRef, nil
}

// CreateCharge answers with the correlation id as the transaction ref, except for on-session Stripe
// charges which get an intent-style id.
func (g *FakeGateway) CreateCharge(_ context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error) {
	g.mu.Lock()
	g.Charges = append(g.Charges, req)
	g.mu.Unlock()
	if g.ChargeErr != nil {
		return nil, g.ChargeErr
	}
	ref := req.CorrelationID
	res := &payments.ChargeResult{TransactionRef: ref, Status: g.ChargeStatus}
	if g.Name == enums.PaymentProviderStripe && !req.OffSession {
		res.TransactionRef = "pi_" + req.CorrelationID
		res.ClientSecret = res.TransactionRef + "_secret"
	}
	if g.Name == enums.PaymentProviderPayTR || g.Name == enums.PaymentProviderIyzico {
		res.RedirectURL = "https://pay.example.test/" + ref
	}
	if g.ChargeStatus == payments.ChargeFailed {
		res.FailureReason = "card declined"
	}
	return res, nil
}

func (g *FakeGateway) ConfirmCharge(_ context.Context, req payments.ConfirmRequest) (*payments.ConfirmResult, error) {
	g.mu.Lock()
	g.Confirms = append(g.Confirms, req)
	g.mu.Unlock()
	if g.ConfirmErr != nil {
		return nil, g.ConfirmErr
	}
	res := g.ConfirmResult
	return &res, nil
}

func (g *FakeGateway) VerifyInboundEvent(_ []byte, signature string) bool {
	return signature != "" && signature == g.Signature
}

// Register makes gw available to the stack's payment service and processor.
func (s *Stack) Register(gw payments.Gateway) {
	s.Gateways.ByName[gw.Provider()] = gw
}
