package subscriptions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/billing"
	dbpkg "github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
)

// TrialOutcome reports what EndTrial did with a subscription.
type TrialOutcome string

const (
	TrialConverted TrialOutcome = "converted"
	TrialExpired   TrialOutcome = "expired"
	TrialSkipped   TrialOutcome = "skipped"
)

// Activate moves a paid subscription to ACTIVE inside the caller's transaction. PENDING signups and
// trials paid early start a fresh period from now; PAST_DUE subscriptions keep the period they are in.
// Terminal and already ACTIVE subscriptions are returned unchanged.
func (s *Service) Activate(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID, now time.Time) (*models.Subscription, bool, error) {
	repo := s.repo.WithTx(tx)
	sub, err := s.lockOwned(ctx, repo, uuid.Nil, subscriptionID)
	if err != nil {
		return nil, false, err
	}
	if sub.Status.IsTerminal() || sub.Status == enums.SubscriptionStatusActive {
		return sub, false, nil
	}
	if err := checkTransition(sub, enums.SubscriptionStatusActive); err != nil {
		return nil, false, err
	}

	previous := sub.Status
	if previous == enums.SubscriptionStatusPending || previous == enums.SubscriptionStatusTrialing {
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = billing.AddBillingPeriod(now, sub.BillingCycle)
	}
	if previous == enums.SubscriptionStatusPending {
		sub.StartDate = now
	}
	moveTo(sub, enums.SubscriptionStatusActive, now)
	if err := repo.Save(ctx, sub); err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return nil, false, pkgerrors.New(pkgerrors.CodeConflict, "tenant already has an active subscription")
		}
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
	}
	if err := s.emitSubscription(ctx, tx, enums.EventSubscriptionActivated, sub, previous, "payment_succeeded"); err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// Lock loads and row-locks a subscription inside the caller's transaction.
func (s *Service) Lock(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID) (*models.Subscription, error) {
	return s.lockOwned(ctx, s.repo.WithTx(tx), uuid.Nil, subscriptionID)
}

// MarkPastDue records a failed payment inside the caller's transaction. PENDING signups stay PENDING
// and terminal subscriptions are left alone.
func (s *Service) MarkPastDue(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID, reason string) (*models.Subscription, bool, error) {
	repo := s.repo.WithTx(tx)
	sub, err := s.lockOwned(ctx, repo, uuid.Nil, subscriptionID)
	if err != nil {
		return nil, false, err
	}
	if !CanTransition(sub.Status, enums.SubscriptionStatusPastDue) {
		return sub, false, nil
	}
	previous := sub.Status
	moveTo(sub, enums.SubscriptionStatusPastDue, s.now().UTC())
	if err := repo.Save(ctx, sub); err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
	}
	if err := s.emitSubscription(ctx, tx, enums.EventSubscriptionPastDue, sub, previous, reason); err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// EndTrial closes a trial whose end date passed. Trials with a stored payment method and auto-renewal
// convert to ACTIVE and run hook for the first paid period; the rest expire.
func (s *Service) EndTrial(ctx context.Context, subscriptionID uuid.UUID, now time.Time, hook PeriodHook) (TrialOutcome, error) {
	outcome := TrialSkipped
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := s.lockOwned(ctx, repo, uuid.Nil, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != enums.SubscriptionStatusTrialing || sub.TrialEnd == nil || sub.TrialEnd.After(now) {
			return nil
		}

		previous := sub.Status
		if sub.HasPaymentMethod() && sub.AutoRenew && !sub.CancelAtPeriodEnd {
			sub.CurrentPeriodStart = now
			sub.CurrentPeriodEnd = billing.AddBillingPeriod(now, sub.BillingCycle)
			moveTo(sub, enums.SubscriptionStatusActive, now)
			if err := repo.Save(ctx, sub); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
			}
			if err := s.emitSubscription(ctx, tx, enums.EventSubscriptionActivated, sub, previous, "trial_converted"); err != nil {
				return err
			}
			if hook != nil {
				if err := hook(ctx, tx, sub); err != nil {
					return err
				}
			}
			outcome = TrialConverted
			return nil
		}

		moveTo(sub, enums.SubscriptionStatusExpired, now)
		if err := repo.Save(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
		}
		if err := s.cancelOpenChange(ctx, tx, sub, "trial_expired"); err != nil {
			return err
		}
		if err := s.emitSubscription(ctx, tx, enums.EventTrialExpired, sub, previous, "no_payment_method"); err != nil {
			return err
		}
		outcome = TrialExpired
		return nil
	})
	if err != nil {
		return TrialSkipped, err
	}
	return outcome, nil
}

// Renew advances an auto-renewing ACTIVE subscription whose period ends within the renewal lookahead.
// hook runs in the same transaction to request payment for the new period.
func (s *Service) Renew(ctx context.Context, subscriptionID uuid.UUID, now time.Time, hook PeriodHook) (bool, error) {
	renewed := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := s.lockOwned(ctx, repo, uuid.Nil, subscriptionID)
		if err != nil {
			return err
		}
		due := sub.Status == enums.SubscriptionStatusActive && sub.AutoRenew && !sub.CancelAtPeriodEnd &&
			!sub.CurrentPeriodEnd.After(now.Add(s.lookahead))
		if !due {
			return nil
		}

		sub.CurrentPeriodStart = sub.CurrentPeriodEnd
		sub.CurrentPeriodEnd = billing.AddBillingPeriod(sub.CurrentPeriodStart, sub.BillingCycle)
		if err := repo.Save(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
		}
		if err := s.emitSubscription(ctx, tx, enums.EventSubscriptionRenewed, sub, sub.Status, ""); err != nil {
			return err
		}
		if hook != nil {
			if err := hook(ctx, tx, sub); err != nil {
				return err
			}
		}
		renewed = true
		return nil
	})
	return renewed, err
}

// ClosePendingCancellation cancels a subscription flagged cancel-at-period-end once its period ended.
func (s *Service) ClosePendingCancellation(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (bool, error) {
	return s.closeWhen(ctx, subscriptionID, now, enums.SubscriptionStatusCancelled, enums.EventSubscriptionCancelled, "period_ended",
		func(sub *models.Subscription) bool {
			return sub.CancelAtPeriodEnd && !sub.CurrentPeriodEnd.After(now)
		})
}

// ExpirePastDue expires a subscription that entered PAST_DUE at or before cutoff and has not recovered.
func (s *Service) ExpirePastDue(ctx context.Context, subscriptionID uuid.UUID, cutoff, now time.Time) (bool, error) {
	return s.closeWhen(ctx, subscriptionID, now, enums.SubscriptionStatusExpired, enums.EventSubscriptionExpired, "grace_period_elapsed",
		func(sub *models.Subscription) bool {
			return sub.Status == enums.SubscriptionStatusPastDue && sub.PastDueSince != nil && !sub.PastDueSince.After(cutoff)
		})
}

// ExpireAbandonedSignup expires a PENDING signup whose first payment never arrived.
func (s *Service) ExpireAbandonedSignup(ctx context.Context, subscriptionID uuid.UUID, cutoff, now time.Time) (bool, error) {
	return s.closeWhen(ctx, subscriptionID, now, enums.SubscriptionStatusExpired, enums.EventSubscriptionExpired, "signup_abandoned",
		func(sub *models.Subscription) bool {
			return sub.Status == enums.SubscriptionStatusPending && !sub.CreatedAt.After(cutoff)
		})
}

func (s *Service) closeWhen(ctx context.Context, subscriptionID uuid.UUID, now time.Time, to enums.SubscriptionStatus, eventType enums.OutboxEventType, reason string, due func(*models.Subscription) bool) (bool, error) {
	closed := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := s.lockOwned(ctx, repo, uuid.Nil, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status.IsTerminal() || !due(sub) || !CanTransition(sub.Status, to) {
			return nil
		}
		previous := sub.Status
		moveTo(sub, to, now)
		if err := repo.Save(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
		}
		if err := s.cancelOpenChange(ctx, tx, sub, reason); err != nil {
			return err
		}
		if err := s.closeOpenInvoices(ctx, tx, sub); err != nil {
			return err
		}
		if err := s.emitSubscription(ctx, tx, eventType, sub, previous, reason); err != nil {
			return err
		}
		closed = true
		return nil
	})
	return closed, err
}

// MarkRenewalOverdue moves the subscription of an unpaid renewal invoice to PAST_DUE once the invoice is
// due. It reports false when the invoice was settled or closed in the meantime.
func (s *Service) MarkRenewalOverdue(ctx context.Context, invoiceID uuid.UUID, now time.Time) (bool, error) {
	marked := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		invoice, err := s.invoices.FindOpen(ctx, tx, invoiceID)
		if err != nil || invoice == nil {
			return err
		}
		if _, err := s.Lock(ctx, tx, invoice.SubscriptionID); err != nil {
			return err
		}
		// Settlement locks the subscription before touching the invoice, so re-read it under the lock.
		invoice, err = s.invoices.FindOpen(ctx, tx, invoiceID)
		if err != nil || invoice == nil {
			return err
		}
		if invoice.DueDate == nil || invoice.DueDate.After(now) {
			return nil
		}
		_, marked, err = s.MarkPastDue(ctx, tx, invoice.SubscriptionID, "renewal_unpaid")
		return err
	})
	return marked, err
}

// closeOpenInvoices settles the books for a subscription that just ended: unpaid invoices of an expired
// subscription are written off, a cancelled one's are voided.
func (s *Service) closeOpenInvoices(ctx context.Context, tx *gorm.DB, sub *models.Subscription) error {
	to := enums.InvoiceStatusVoid
	if sub.Status == enums.SubscriptionStatusExpired {
		to = enums.InvoiceStatusUncollectible
	}
	closed, err := s.invoices.CloseOpen(ctx, tx, sub.ID, to)
	if err != nil {
		return err
	}
	if closed > 0 {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"subscription_id": sub.ID.String(),
			"invoices":        closed,
			"invoice_status":  to,
		})
		s.logg.Info(logCtx, "open invoices closed")
	}
	return nil
}

// RemindTrialEnding queues the trial-ending reminder once per subscription.
func (s *Service) RemindTrialEnding(ctx context.Context, sub models.Subscription, now time.Time) error {
	if sub.TrialEnd == nil {
		return nil
	}
	daysLeft := billing.DaysBetween(now, *sub.TrialEnd)
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		err := s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventTrialEndingReminder,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   sub.ID,
			Actor:         outbox.Actor(ctx, sub.TenantID),
			Data: payloads.TrialReminderEvent{
				SubscriptionID: sub.ID,
				TenantID:       sub.TenantID,
				PlanID:         sub.PlanID,
				TrialEnd:       *sub.TrialEnd,
				DaysLeft:       daysLeft,
				HasPayment:     sub.HasPaymentMethod(),
			},
			OccurredAt: now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit trial reminder")
		}
		return nil
	})
}

// ListTrialsEnded and the other List helpers feed the scheduler jobs.
func (s *Service) ListTrialsEnded(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	return s.repo.ListTrialsEnded(ctx, now, limit)
}

func (s *Service) ListTrialsEndingBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Subscription, error) {
	return s.repo.ListTrialsEndingBetween(ctx, from, to, limit)
}

func (s *Service) ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	return s.repo.ListDueForRenewal(ctx, now.Add(s.lookahead), limit)
}

func (s *Service) ListPendingCancellations(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	return s.repo.ListPendingCancellations(ctx, now, limit)
}

func (s *Service) ListPastDueSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	return s.repo.ListPastDueSince(ctx, cutoff, limit)
}

func (s *Service) ListOverdueRenewals(ctx context.Context, now time.Time, limit int) ([]models.Invoice, error) {
	return s.invoices.ListOverdue(ctx, now, limit)
}

func (s *Service) ListAbandonedSignups(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	return s.repo.ListAbandonedSignups(ctx, cutoff, limit)
}
