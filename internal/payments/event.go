package payments

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// Outcome is the terminal result a provider reports for a charge.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// Event is a verified, provider-neutral payment notification.
type Event struct {
	Provider         enums.PaymentProvider
	EventID          string
	CorrelationID    string
	Outcome          Outcome
	Amount           decimal.Decimal
	Currency         string
	FailureReason    string
	PaymentMethodRef string
	OccurredAt       time.Time
}

// Result reports what applying an event changed.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultUnknown   Result = "unknown"
	ResultIgnored   Result = "ignored"
)

// Reconciler applies payment outcomes to payments, subscriptions and invoices.
type Reconciler interface {
	Apply(ctx context.Context, evt Event) (Result, error)
}
