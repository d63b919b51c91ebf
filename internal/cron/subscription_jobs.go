package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/internal/subscriptions"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

const (
	defaultBatchSize         = 500
	defaultPastDueGrace      = 7 * 24 * time.Hour
	defaultSignupTTL         = 24 * time.Hour
	defaultTrialReminderLead = 3 * 24 * time.Hour
)

type lifecycleService interface {
	ListTrialsEnded(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	EndTrial(ctx context.Context, subscriptionID uuid.UUID, now time.Time, hook subscriptions.PeriodHook) (subscriptions.TrialOutcome, error)
	ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	Renew(ctx context.Context, subscriptionID uuid.UUID, now time.Time, hook subscriptions.PeriodHook) (bool, error)
	ListPendingCancellations(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ClosePendingCancellation(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (bool, error)
	ListOverdueRenewals(ctx context.Context, now time.Time, limit int) ([]models.Invoice, error)
	MarkRenewalOverdue(ctx context.Context, invoiceID uuid.UUID, now time.Time) (bool, error)
	ListPastDueSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)
	ExpirePastDue(ctx context.Context, subscriptionID uuid.UUID, cutoff, now time.Time) (bool, error)
	ListAbandonedSignups(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)
	ExpireAbandonedSignup(ctx context.Context, subscriptionID uuid.UUID, cutoff, now time.Time) (bool, error)
	ExpireStaleChanges(ctx context.Context, now time.Time, limit int) (int, error)
	ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]models.PendingPlanChange, error)
	ApplyDueDowngrade(ctx context.Context, changeID uuid.UUID, now time.Time) (*models.PendingPlanChange, error)
	ListTrialsEndingBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Subscription, error)
	RemindTrialEnding(ctx context.Context, sub models.Subscription, now time.Time) error
}

// renewalStarter opens a batch of off-session charges for periods the jobs start.
type renewalStarter interface {
	NewRenewal(purpose enums.PaymentPurpose) *payments.Renewal
}

// SubscriptionJobsParams configures the subscription lifecycle jobs.
type SubscriptionJobsParams struct {
	Logger            *logger.Logger
	Subscriptions     lifecycleService
	Payments          renewalStarter
	PastDueGrace      time.Duration
	SignupTTL         time.Duration
	TrialReminderLead time.Duration
	BatchSize         int
}

// NewSubscriptionJobs builds every job that moves subscriptions through time, in the order they should
// run within one cycle.
func NewSubscriptionJobs(params SubscriptionJobsParams) ([]Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription service required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	base := sweeper{
		logg:  params.Logger,
		subs:  params.Subscriptions,
		limit: orDefault(params.BatchSize, defaultBatchSize),
	}
	return []Job{
		&trialExpiryJob{sweeper: base, payments: params.Payments},
		&renewalJob{sweeper: base, payments: params.Payments},
		&overdueRenewalJob{sweeper: base},
		&pendingCancellationJob{sweeper: base},
		&pastDueExpiryJob{sweeper: base, grace: orDefaultDuration(params.PastDueGrace, defaultPastDueGrace)},
		&stalePlanChangeJob{sweeper: base, signupTTL: orDefaultDuration(params.SignupTTL, defaultSignupTTL)},
		&scheduledDowngradeJob{sweeper: base},
		&trialReminderJob{sweeper: base, lead: orDefaultDuration(params.TrialReminderLead, defaultTrialReminderLead)},
	}, nil
}

type sweeper struct {
	logg  *logger.Logger
	subs  lifecycleService
	limit int
}

// each applies fn to every subscription, collecting failures per item so one bad row does not stop the batch.
func (s sweeper) each(ctx context.Context, subs []models.Subscription, fn func(sub models.Subscription) (bool, error)) (int, error) {
	var errs error
	changed := 0
	for _, sub := range subs {
		ok, err := fn(sub)
		if err != nil {
			logCtx := s.logg.WithField(s.logg.WithSubscriptionID(ctx, sub.ID.String()), "error", err.Error())
			s.logg.Warn(logCtx, "subscription lifecycle step failed")
			errs = multierr.Append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, errs
}

func (s sweeper) report(ctx context.Context, msg string, candidates, changed int) {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"candidates": candidates,
		"changed":    changed,
	})
	s.logg.Info(logCtx, msg)
}

type trialExpiryJob struct {
	sweeper
	payments renewalStarter
}

func (j *trialExpiryJob) Name() string     { return "trial-expiry" }
func (j *trialExpiryJob) Schedule() string { return "@hourly" }

// Run converts ended trials with a stored method into paid periods and expires the rest.
func (j *trialExpiryJob) Run(ctx context.Context, now time.Time) error {
	due, err := j.subs.ListTrialsEnded(ctx, now, j.limit)
	if err != nil {
		return fmt.Errorf("list ended trials: %w", err)
	}
	renewal := j.payments.NewRenewal(enums.PaymentPurposeSubscription)
	converted := 0
	changed, errs := j.each(ctx, due, func(sub models.Subscription) (bool, error) {
		outcome, err := j.subs.EndTrial(ctx, sub.ID, now, renewal.Hook)
		if outcome == subscriptions.TrialConverted {
			converted++
		}
		return outcome != subscriptions.TrialSkipped, err
	})
	errs = multierr.Append(errs, renewal.Collect(ctx))
	logCtx := j.logg.WithField(ctx, "converted", converted)
	j.report(logCtx, "trial expiry loop complete", len(due), changed)
	return errs
}

type renewalJob struct {
	sweeper
	payments renewalStarter
}

func (j *renewalJob) Name() string     { return "renewal" }
func (j *renewalJob) Schedule() string { return "@daily" }

func (j *renewalJob) Run(ctx context.Context, now time.Time) error {
	due, err := j.subs.ListDueForRenewal(ctx, now, j.limit)
	if err != nil {
		return fmt.Errorf("list renewals: %w", err)
	}
	renewal := j.payments.NewRenewal(enums.PaymentPurposeRenewal)
	changed, errs := j.each(ctx, due, func(sub models.Subscription) (bool, error) {
		return j.subs.Renew(ctx, sub.ID, now, renewal.Hook)
	})
	errs = multierr.Append(errs, renewal.Collect(ctx))
	j.report(ctx, "renewal loop complete", len(due), changed)
	return errs
}

// overdueRenewalJob moves subscriptions to PAST_DUE when a renewal invoice nobody could charge is still
// unpaid after its due date.
type overdueRenewalJob struct {
	sweeper
}

func (j *overdueRenewalJob) Name() string     { return "overdue-renewal" }
func (j *overdueRenewalJob) Schedule() string { return "@hourly" }

func (j *overdueRenewalJob) Run(ctx context.Context, now time.Time) error {
	overdue, err := j.subs.ListOverdueRenewals(ctx, now, j.limit)
	if err != nil {
		return fmt.Errorf("list overdue renewals: %w", err)
	}
	var errs error
	marked := 0
	for _, invoice := range overdue {
		ok, err := j.subs.MarkRenewalOverdue(ctx, invoice.ID, now)
		if err != nil {
			logCtx := j.logg.WithFields(ctx, map[string]any{
				"invoice_id":      invoice.ID.String(),
				"subscription_id": invoice.SubscriptionID.String(),
				"error":           err.Error(),
			})
			j.logg.Warn(logCtx, "overdue renewal step failed")
			errs = multierr.Append(errs, fmt.Errorf("invoice %s: %w", invoice.ID, err))
			continue
		}
		if ok {
			marked++
		}
	}
	j.report(ctx, "overdue renewal loop complete", len(overdue), marked)
	return errs
}

type pendingCancellationJob struct {
	sweeper
}

func (j *pendingCancellationJob) Name() string     { return "pending-cancellation" }
func (j *pendingCancellationJob) Schedule() string { return "@hourly" }

func (j *pendingCancellationJob) Run(ctx context.Context, now time.Time) error {
	due, err := j.subs.ListPendingCancellations(ctx, now, j.limit)
	if err != nil {
		return fmt.Errorf("list pending cancellations: %w", err)
	}
	changed, errs := j.each(ctx, due, func(sub models.Subscription) (bool, error) {
		return j.subs.ClosePendingCancellation(ctx, sub.ID, now)
	})
	j.report(ctx, "pending cancellation loop complete", len(due), changed)
	return errs
}

type pastDueExpiryJob struct {
	sweeper
	grace time.Duration
}

func (j *pastDueExpiryJob) Name() string     { return "past-due-expiry" }
func (j *pastDueExpiryJob) Schedule() string { return "@daily" }

func (j *pastDueExpiryJob) Run(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-j.grace)
	due, err := j.subs.ListPastDueSince(ctx, cutoff, j.limit)
	if err != nil {
		return fmt.Errorf("list past due: %w", err)
	}
	changed, errs := j.each(ctx, due, func(sub models.Subscription) (bool, error) {
		return j.subs.ExpirePastDue(ctx, sub.ID, cutoff, now)
	})
	j.report(ctx, "past due expiry loop complete", len(due), changed)
	return errs
}

// stalePlanChangeJob expires unpaid plan changes and signups whose first payment never arrived.
type stalePlanChangeJob struct {
	sweeper
	signupTTL time.Duration
}

func (j *stalePlanChangeJob) Name() string     { return "stale-plan-change-cleanup" }
func (j *stalePlanChangeJob) Schedule() string { return "@hourly" }

func (j *stalePlanChangeJob) Run(ctx context.Context, now time.Time) error {
	var errs error
	expired, err := j.subs.ExpireStaleChanges(ctx, now, j.limit)
	errs = multierr.Append(errs, err)
	logCtx := j.logg.WithField(ctx, "plan_changes_expired", expired)

	cutoff := now.Add(-j.signupTTL)
	abandoned, err := j.subs.ListAbandonedSignups(ctx, cutoff, j.limit)
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("list abandoned signups: %w", err))
	}
	changed, err := j.each(ctx, abandoned, func(sub models.Subscription) (bool, error) {
		return j.subs.ExpireAbandonedSignup(ctx, sub.ID, cutoff, now)
	})
	j.report(logCtx, "stale plan change cleanup complete", len(abandoned), changed)
	return multierr.Append(errs, err)
}

type scheduledDowngradeJob struct {
	sweeper
}

func (j *scheduledDowngradeJob) Name() string     { return "scheduled-downgrade" }
func (j *scheduledDowngradeJob) Schedule() string { return "@hourly" }

func (j *scheduledDowngradeJob) Run(ctx context.Context, now time.Time) error {
	due, err := j.subs.ListDueDowngrades(ctx, now, j.limit)
	if err != nil {
		return fmt.Errorf("list due downgrades: %w", err)
	}
	var errs error
	applied := 0
	for _, change := range due {
		if _, err := j.subs.ApplyDueDowngrade(ctx, change.ID, now); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("plan change %s: %w", change.ID, err))
			continue
		}
		applied++
	}
	j.report(ctx, "scheduled downgrade loop complete", len(due), applied)
	return errs
}

type trialReminderJob struct {
	sweeper
	lead time.Duration
}

func (j *trialReminderJob) Name() string     { return "trial-reminder" }
func (j *trialReminderJob) Schedule() string { return "@daily" }

func (j *trialReminderJob) Run(ctx context.Context, now time.Time) error {
	ending, err := j.subs.ListTrialsEndingBetween(ctx, now, now.Add(j.lead), j.limit)
	if err != nil {
		return fmt.Errorf("list trials ending: %w", err)
	}
	changed, errs := j.each(ctx, ending, func(sub models.Subscription) (bool, error) {
		return true, j.subs.RemindTrialEnding(ctx, sub, now)
	})
	j.report(ctx, "trial reminder loop complete", len(ending), changed)
	return errs
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDefaultDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
