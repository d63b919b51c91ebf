package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
)

// ErrOutcomeUnknown means the gateway call timed out; the provider webhook settles the payment.
var ErrOutcomeUnknown = errors.New("payment outcome unknown")

// ChargeStatus is the gateway's view of a charge right after a call.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "PENDING"
	ChargeSucceeded ChargeStatus = "SUCCEEDED"
	ChargeFailed    ChargeStatus = "FAILED"
)

// Buyer carries the payer details hosted checkouts require.
type Buyer struct {
	TenantID string
	Name     string
	Email    string
	Phone    string
	Address  string
	City     string
	Country  string
	IP       string
}

// CustomerRequest creates the provider-side customer for a tenant.
type CustomerRequest struct {
	TenantID uuid.UUID
	Email    string
	Name     string
}

// ChargeRequest opens a charge. OffSession charges the stored PaymentMethodRef without the tenant present.
type ChargeRequest struct {
	Amount           decimal.Decimal
	Currency         string
	CustomerRef      string
	PaymentMethodRef string
	OffSession       bool
	CorrelationID    string
	Description      string
	Metadata         map[string]string
	Buyer            Buyer
}

// ChargeResult identifies the charge for the tenant's client and for later webhooks.
type ChargeResult struct {
	TransactionRef string
	ClientSecret   string
	RedirectURL    string
	Status         ChargeStatus
	FailureReason  string
}

// ConfirmRequest completes a charge opened by CreateCharge with the tenant's payment method.
type ConfirmRequest struct {
	TransactionRef   string
	PaymentMethodRef string
	CustomerRef      string
	Amount           decimal.Decimal
	Currency         string
}

type ConfirmResult struct {
	Status           ChargeStatus
	FailureReason    string
	PaymentMethodRef string
}

// Gateway is one payment provider. Provider request and response shapes stay behind it.
type Gateway interface {
	Provider() enums.PaymentProvider
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	ConfirmCharge(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error)
	VerifyInboundEvent(payload []byte, signature string) bool
}

// NewCorrelationID builds the alphanumeric merchant reference PayTR and Iyzico echo back in callbacks.
func NewCorrelationID(purpose enums.PaymentPurpose, id uuid.UUID, now time.Time) string {
	return fmt.Sprintf("%s%s%d", purpose.CorrelationPrefix(), strings.ReplaceAll(id.String(), "-", ""), now.Unix())
}

// timedGateway bounds every call by the gateway timeout and records its duration.
type timedGateway struct {
	inner   Gateway
	timeout time.Duration
	metrics *metrics.GatewayMetrics
}

func withTimeout(inner Gateway, timeout time.Duration, m *metrics.GatewayMetrics) Gateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &timedGateway{inner: inner, timeout: timeout, metrics: m}
}

func (g *timedGateway) Provider() enums.PaymentProvider {
	return g.inner.Provider()
}

func (g *timedGateway) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	var ref string
	err := g.call(ctx, "create_customer", func(ctx context.Context) error {
		var err error
		ref, err = g.inner.CreateCustomer(ctx, req)
		return err
	})
	return ref, err
}

func (g *timedGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	var res *ChargeResult
	err := g.call(ctx, "create_charge", func(ctx context.Context) error {
		var err error
		res, err = g.inner.CreateCharge(ctx, req)
		return err
	})
	return res, err
}

func (g *timedGateway) ConfirmCharge(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	var res *ConfirmResult
	err := g.call(ctx, "confirm_charge", func(ctx context.Context) error {
		var err error
		res, err = g.inner.ConfirmCharge(ctx, req)
		return err
	})
	return res, err
}

func (g *timedGateway) VerifyInboundEvent(payload []byte, signature string) bool {
	return g.inner.VerifyInboundEvent(payload, signature)
}

func (g *timedGateway) call(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
		err = fmt.Errorf("%s %s: %w", g.inner.Provider(), op, ErrOutcomeUnknown)
	default:
		outcome = "error"
	}
	g.metrics.Observe(string(g.inner.Provider()), op, outcome, time.Since(start))
	return err
}

func toMinor(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func gatewayError(provider enums.PaymentProvider, op string, err error) error {
	if err == nil {
		return nil
	}
	if pkgerrors.As(err) != nil || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s %s failed", provider, op))
}
