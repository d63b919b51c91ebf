package webhooks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/billing"
	"github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
)

// SubscriptionUpdater is the transactional slice of the subscription service the reconciler drives.
type SubscriptionUpdater interface {
	Lock(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID) (*models.Subscription, error)
	Activate(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID, now time.Time) (*models.Subscription, bool, error)
	MarkPastDue(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID, reason string) (*models.Subscription, bool, error)
	ApplyPlanChange(ctx context.Context, tx *gorm.DB, changeID uuid.UUID, now time.Time) (*models.PendingPlanChange, error)
	RecordPaymentMethod(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID, methodRef string) error
}

// InvoiceCreator issues the invoice for a settled payment.
type InvoiceCreator interface {
	CreateForPayment(ctx context.Context, tx *gorm.DB, sub models.Subscription, payment models.SubscriptionPayment, description string) (*models.Invoice, bool, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ReconcilerParams groups dependencies for the payment reconciler.
type ReconcilerParams struct {
	Payments      payments.Repository
	Subscriptions SubscriptionUpdater
	Invoices      InvoiceCreator
	Outbox        outbox.Emitter
	Tx            txRunner
	Logger        *logger.Logger
	Now           func() time.Time
}

// Reconciler applies verified payment outcomes. Webhooks, payment confirmation and renewal charges all
// end here, so a payment settles the same way whichever path reports it first.
type Reconciler struct {
	payments payments.Repository
	subs     SubscriptionUpdater
	invoices InvoiceCreator
	outbox   outbox.Emitter
	tx       txRunner
	logg     *logger.Logger
	now      func() time.Time
}

var _ payments.Reconciler = (*Reconciler)(nil)

func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment repository required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription updater required")
	}
	if params.Invoices == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "invoice creator required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox emitter required")
	}
	if params.Tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		payments: params.Payments,
		subs:     params.Subscriptions,
		invoices: params.Invoices,
		outbox:   params.Outbox,
		tx:       params.Tx,
		logg:     params.Logger,
		now:      now,
	}, nil
}

// Apply settles the payment identified by the event's correlation id. Unknown payments and repeated
// outcomes are acknowledged without writes; a SUCCEEDED payment never changes again.
func (r *Reconciler) Apply(ctx context.Context, evt payments.Event) (payments.Result, error) {
	if err := validateEvent(evt); err != nil {
		return "", err
	}
	logCtx := r.logg.WithFields(ctx, map[string]any{
		"provider":       evt.Provider,
		"event_id":       evt.EventID,
		"correlation_id": evt.CorrelationID,
		"outcome":        evt.Outcome,
	})

	result := payments.ResultApplied
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.payments.WithTx(tx)
		payment, err := repo.LockByTransaction(ctx, evt.Provider, evt.CorrelationID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock payment")
		}
		if payment == nil {
			result = payments.ResultUnknown
			return nil
		}
		switch {
		case payment.Status == enums.PaymentStatusSucceeded:
			if evt.Outcome == payments.OutcomeFailed {
				r.logg.Warn(logCtx, "failure reported for a succeeded payment; ignoring")
			}
			result = payments.ResultDuplicate
			return nil
		case payment.Status == enums.PaymentStatusRefunded:
			result = payments.ResultIgnored
			return nil
		case payment.Status == enums.PaymentStatusFailed && evt.Outcome == payments.OutcomeFailed:
			result = payments.ResultDuplicate
			return nil
		}
		if !evt.Amount.IsZero() && !evt.Amount.Equal(payment.Amount) {
			r.logg.Warn(r.logg.WithFields(logCtx, map[string]any{
				"expected_amount": payment.Amount.String(),
				"reported_amount": evt.Amount.String(),
			}), "payment amount differs from the recorded charge")
		}

		now := r.now().UTC()
		eventID := evt.EventID
		payment.LastEventID = &eventID
		if evt.Outcome == payments.OutcomeSucceeded {
			return r.succeed(ctx, tx, payment, evt, now)
		}
		return r.fail(ctx, tx, payment, evt, now)
	})
	if err != nil {
		r.logg.Error(logCtx, "payment reconciliation failed", err)
		return "", err
	}
	if result == payments.ResultUnknown {
		r.logg.Warn(logCtx, "payment event for unknown transaction acknowledged")
	} else {
		r.logg.Info(r.logg.WithField(logCtx, "result", string(result)), "payment event processed")
	}
	return result, nil
}

func (r *Reconciler) succeed(ctx context.Context, tx *gorm.DB, payment *models.SubscriptionPayment, evt payments.Event, now time.Time) error {
	paidAt := now
	if !evt.OccurredAt.IsZero() {
		paidAt = evt.OccurredAt.UTC()
	}
	payment.Status = enums.PaymentStatusSucceeded
	payment.PaidAt = &paidAt
	payment.FailureReason = nil
	if err := r.payments.WithTx(tx).Save(ctx, payment); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save payment")
	}

	if payment.Purpose == enums.PaymentPurposePlanChange && payment.PendingChangeID != nil {
		if _, err := r.subs.ApplyPlanChange(ctx, tx, *payment.PendingChangeID, now); err != nil {
			if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
				return err
			}
			r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
				"payment_id": payment.ID.String(),
				"change_id":  payment.PendingChangeID.String(),
			}), "plan change payment settled after the change closed; refund manually")
		}
	} else if _, _, err := r.subs.Activate(ctx, tx, payment.SubscriptionID, now); err != nil {
		return err
	}
	if err := r.subs.RecordPaymentMethod(ctx, tx, payment.SubscriptionID, evt.PaymentMethodRef); err != nil {
		return err
	}

	sub, err := r.subs.Lock(ctx, tx, payment.SubscriptionID)
	if err != nil {
		return err
	}
	if err := r.emitPayment(ctx, tx, enums.EventPaymentSucceeded, sub.TenantID, payment, now); err != nil {
		return err
	}
	invoice, created, err := r.invoices.CreateForPayment(ctx, tx, *sub, *payment, invoiceDescription(payment.Purpose))
	if err != nil {
		return err
	}
	if created {
		if err := r.outbox.Emit(ctx, tx, billing.InvoiceReadyEvent(ctx, invoice, sub.TenantID, now)); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit invoice_ready")
		}
	}
	return nil
}

func (r *Reconciler) fail(ctx context.Context, tx *gorm.DB, payment *models.SubscriptionPayment, evt payments.Event, now time.Time) error {
	reason := strings.TrimSpace(evt.FailureReason)
	if reason == "" {
		reason = "payment declined"
	}
	payment.Status = enums.PaymentStatusFailed
	payment.RetryCount++
	payment.FailureReason = &reason
	if err := r.payments.WithTx(tx).Save(ctx, payment); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save payment")
	}

	var tenantID uuid.UUID
	if payment.Purpose == enums.PaymentPurposePlanChange {
		sub, err := r.subs.Lock(ctx, tx, payment.SubscriptionID)
		if err != nil {
			return err
		}
		tenantID = sub.TenantID
	} else {
		sub, _, err := r.subs.MarkPastDue(ctx, tx, payment.SubscriptionID, reason)
		if err != nil {
			return err
		}
		tenantID = sub.TenantID
	}
	return r.emitPayment(ctx, tx, enums.EventPaymentFailed, tenantID, payment, now)
}

func (r *Reconciler) emitPayment(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, tenantID uuid.UUID, payment *models.SubscriptionPayment, now time.Time) error {
	err := r.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Actor:         outbox.Actor(ctx, tenantID),
		Data: payloads.PaymentEvent{
			PaymentID:             payment.ID,
			SubscriptionID:        payment.SubscriptionID,
			TenantID:              tenantID,
			Provider:              payment.Provider,
			ProviderTransactionID: payment.ProviderTransactionID,
			Purpose:               payment.Purpose,
			Status:                payment.Status,
			Amount:                payment.Amount,
			Currency:              payment.Currency,
			FailureReason:         payment.FailureReason,
			RetryCount:            payment.RetryCount,
			PaidAt:                payment.PaidAt,
		},
		OccurredAt: now,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit "+string(eventType))
	}
	return nil
}

func validateEvent(evt payments.Event) error {
	switch {
	case !evt.Provider.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown payment provider")
	case strings.TrimSpace(evt.CorrelationID) == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "correlation id is required")
	case evt.Outcome != payments.OutcomeSucceeded && evt.Outcome != payments.OutcomeFailed:
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown payment outcome")
	}
	return nil
}

func invoiceDescription(purpose enums.PaymentPurpose) string {
	switch purpose {
	case enums.PaymentPurposePlanChange:
		return "Plan upgrade proration"
	case enums.PaymentPurposeRenewal:
		return "Subscription renewal"
	default:
		return "Subscription"
	}
}

var errUnsupportedProvider = errors.New("unsupported payment provider")
