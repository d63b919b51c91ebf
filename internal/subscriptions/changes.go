package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/billing"
	"github.com/angelmondragon/billing-engine/internal/limits"
	dbpkg "github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
)

// ChangeResult is returned by ChangePlan.
type ChangeResult struct {
	Subscription  *models.Subscription      `json:"subscription"`
	PendingChange *models.PendingPlanChange `json:"pendingChange"`
	Applied       bool                      `json:"applied"`
}

// ChangePlan requests a move to another plan or billing cycle. Upgrades wait for the proration payment
// unless nothing is owed; downgrades are validated against current usage and scheduled for period end.
func (s *Service) ChangePlan(ctx context.Context, tenantID, subscriptionID, newPlanID uuid.UUID, cycle enums.BillingCycle) (*ChangeResult, error) {
	current, err := s.Get(ctx, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if cycle == "" {
		cycle = current.BillingCycle
	}
	if !cycle.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid billing cycle %q", cycle))
	}
	if newPlanID == current.PlanID && cycle == current.BillingCycle {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription is already on this plan")
	}
	newPlan, err := s.plans.GetActivePlan(ctx, newPlanID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	newAmount := newPlan.EffectivePrice(cycle, now)
	isUpgrade := newAmount.GreaterThan(current.Amount)
	if !isUpgrade {
		violations, err := s.usage.DowngradeViolations(ctx, current.TenantID, *newPlan)
		if err != nil {
			return nil, err
		}
		if len(violations) > 0 {
			return nil, limits.ViolationError(violations)
		}
	}

	result := &ChangeResult{}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := s.lockOwned(ctx, repo, tenantID, subscriptionID)
		if err != nil {
			return err
		}
		if !sub.Status.IsLive() && sub.Status != enums.SubscriptionStatusPastDue {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot change plan of a %s subscription", sub.Status))
		}
		if sub.PlanID != current.PlanID || sub.BillingCycle != current.BillingCycle || !sub.Amount.Equal(current.Amount) {
			return pkgerrors.New(pkgerrors.CodeConflict, "subscription changed concurrently; retry")
		}
		open, err := repo.FindOpenChange(ctx, sub.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending change")
		}
		if open != nil {
			if open.PaymentStatus == enums.PlanChangeStatusPending {
				return pkgerrors.New(pkgerrors.CodeConflict, "a plan change is already pending").
					WithDetails(map[string]any{"pendingChangeId": open.ID})
			}
			if err := s.closeChange(ctx, tx, sub, open, enums.PlanChangeStatusCancelled, enums.EventPlanChangeCancelled); err != nil {
				return err
			}
		}

		change := &models.PendingPlanChange{
			SubscriptionID:      sub.ID,
			CurrentPlanID:       sub.PlanID,
			NewPlanID:           newPlan.ID,
			CurrentBillingCycle: sub.BillingCycle,
			NewBillingCycle:     cycle,
			IsUpgrade:           isUpgrade,
			Currency:            newPlan.Currency,
			CreatedAt:           now,
		}
		if isUpgrade {
			change.ProrationAmount = billing.ProrationForPeriod(sub.Amount, newAmount, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
			change.PaymentRequired = change.ProrationAmount.IsPositive()
			change.PaymentStatus = enums.PlanChangeStatusPending
			expiresAt := now.Add(s.changeTTL)
			change.ExpiresAt = &expiresAt
		} else {
			scheduledFor := sub.CurrentPeriodEnd
			change.PaymentStatus = enums.PlanChangeStatusCompleted
			change.ScheduledFor = &scheduledFor
		}
		if err := repo.CreateChange(ctx, change); err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return pkgerrors.New(pkgerrors.CodeConflict, "a plan change is already pending")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create plan change")
		}

		switch {
		case !isUpgrade:
			if err := s.emitChange(ctx, tx, enums.EventPlanDowngradeScheduled, sub.TenantID, change); err != nil {
				return err
			}
		case !change.PaymentRequired:
			if _, err := s.applyLocked(ctx, tx, sub, change, newPlan, now); err != nil {
				return err
			}
			result.Applied = true
		}
		result.Subscription = sub
		result.PendingChange = change
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"subscription_id":  subscriptionID.String(),
		"change_id":        result.PendingChange.ID.String(),
		"is_upgrade":       isUpgrade,
		"payment_required": result.PendingChange.PaymentRequired,
		"proration":        result.PendingChange.ProrationAmount.String(),
	})
	s.logg.Info(logCtx, "plan change requested")
	return result, nil
}

// ApplyPlanChange moves the subscription onto the change's plan. It is the single path for paid upgrades
// and scheduled downgrades; an applied change is a no-op, and expired or cancelled changes are rejected.
// A change whose subscription ended in the meantime is cancelled instead of applied.
func (s *Service) ApplyPlanChange(ctx context.Context, tx *gorm.DB, changeID uuid.UUID, now time.Time) (*models.PendingPlanChange, error) {
	repo := s.repo.WithTx(tx)
	change, err := repo.LockChange(ctx, changeID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock plan change")
	}
	if change == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan change not found")
	}
	if change.IsApplied() {
		return change, nil
	}
	switch change.PaymentStatus {
	case enums.PlanChangeStatusExpired, enums.PlanChangeStatusCancelled:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("plan change is %s", change.PaymentStatus))
	case enums.PlanChangeStatusPending:
		if change.ExpiresAt != nil && !change.ExpiresAt.After(now) {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "plan change has expired")
		}
	}
	if change.ScheduledFor != nil && change.ScheduledFor.After(now) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "plan change is not due yet")
	}

	sub, err := s.lockOwned(ctx, repo, uuid.Nil, change.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		if err := s.closeChange(ctx, tx, sub, change, enums.PlanChangeStatusCancelled, enums.EventPlanChangeCancelled); err != nil {
			return nil, err
		}
		return change, nil
	}
	newPlan, err := s.plans.GetPlan(ctx, change.NewPlanID)
	if err != nil {
		return nil, err
	}
	return s.applyLocked(ctx, tx, sub, change, newPlan, now)
}

func (s *Service) applyLocked(ctx context.Context, tx *gorm.DB, sub *models.Subscription, change *models.PendingPlanChange, newPlan *models.Plan, now time.Time) (*models.PendingPlanChange, error) {
	repo := s.repo.WithTx(tx)
	sub.PlanID = newPlan.ID
	sub.BillingCycle = change.NewBillingCycle
	sub.Amount = newPlan.EffectivePrice(change.NewBillingCycle, now)
	sub.Currency = newPlan.Currency
	if err := repo.Save(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
	}

	change.PaymentStatus = enums.PlanChangeStatusCompleted
	change.AppliedAt = &now
	if err := repo.SaveChange(ctx, change); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save plan change")
	}

	eventType := enums.EventPlanChangeApplied
	if change.IsUpgrade {
		eventType = enums.EventPlanUpgraded
	}
	if err := s.emitChange(ctx, tx, eventType, sub.TenantID, change); err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"subscription_id": sub.ID.String(),
		"change_id":       change.ID.String(),
		"plan":            newPlan.Name,
	})
	s.logg.Info(logCtx, "plan change applied")
	return change, nil
}

// CancelPendingChange withdraws the open upgrade or scheduled downgrade of a subscription.
func (s *Service) CancelPendingChange(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*models.PendingPlanChange, error) {
	var cancelled *models.PendingPlanChange
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := s.lockOwned(ctx, repo, tenantID, subscriptionID)
		if err != nil {
			return err
		}
		open, err := repo.FindOpenChange(ctx, sub.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending change")
		}
		if open == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "no pending plan change")
		}
		if err := s.closeChange(ctx, tx, sub, open, enums.PlanChangeStatusCancelled, enums.EventPlanChangeCancelled); err != nil {
			return err
		}
		cancelled = open
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// GetPendingChange returns the open change of a subscription, or nil.
func (s *Service) GetPendingChange(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*models.PendingPlanChange, error) {
	if _, err := s.Get(ctx, tenantID, subscriptionID); err != nil {
		return nil, err
	}
	change, err := s.repo.FindOpenChange(ctx, subscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending change")
	}
	return change, nil
}

// GetChange loads a plan change owned by the tenant. A nil tenant skips the ownership check.
func (s *Service) GetChange(ctx context.Context, tenantID, changeID uuid.UUID) (*models.PendingPlanChange, *models.Subscription, error) {
	change, err := s.repo.FindChange(ctx, changeID)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan change")
	}
	if change == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan change not found")
	}
	sub, err := s.Get(ctx, tenantID, change.SubscriptionID)
	if err != nil {
		return nil, nil, err
	}
	return change, sub, nil
}

// ExpireStaleChanges marks PENDING changes older than the change TTL as EXPIRED.
func (s *Service) ExpireStaleChanges(ctx context.Context, now time.Time, limit int) (int, error) {
	stale, err := s.repo.ListStaleChanges(ctx, now.Add(-s.changeTTL), limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale plan changes")
	}
	var errs error
	expired := 0
	for _, candidate := range stale {
		ok, err := s.expireChange(ctx, candidate.ID, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("plan change %s: %w", candidate.ID, err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errs
}

func (s *Service) expireChange(ctx context.Context, changeID uuid.UUID, now time.Time) (bool, error) {
	expired := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		change, err := repo.LockChange(ctx, changeID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock plan change")
		}
		if change == nil || change.PaymentStatus != enums.PlanChangeStatusPending || change.CreatedAt.After(now.Add(-s.changeTTL)) {
			return nil
		}
		sub, err := repo.FindByID(ctx, change.SubscriptionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
		}
		tenantID := uuid.Nil
		if sub != nil {
			tenantID = sub.TenantID
		}
		change.PaymentStatus = enums.PlanChangeStatusExpired
		if err := repo.SaveChange(ctx, change); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save plan change")
		}
		if err := s.emitChange(ctx, tx, enums.EventPlanChangeExpired, tenantID, change); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

// ListDueDowngrades returns scheduled downgrades whose date has come.
func (s *Service) ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]models.PendingPlanChange, error) {
	return s.repo.ListDueDowngrades(ctx, now, limit)
}

// ApplyDueDowngrade applies one scheduled downgrade in its own transaction.
func (s *Service) ApplyDueDowngrade(ctx context.Context, changeID uuid.UUID, now time.Time) (*models.PendingPlanChange, error) {
	var applied *models.PendingPlanChange
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		change, err := s.ApplyPlanChange(ctx, tx, changeID, now)
		if err != nil {
			return err
		}
		applied = change
		return nil
	})
	return applied, err
}

func (s *Service) cancelOpenChange(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error {
	open, err := s.repo.WithTx(tx).FindOpenChange(ctx, sub.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending change")
	}
	if open == nil {
		return nil
	}
	if err := s.closeChange(ctx, tx, sub, open, enums.PlanChangeStatusCancelled, enums.EventPlanChangeCancelled); err != nil {
		return err
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"change_id": open.ID.String(),
		"reason":    reason,
	})
	s.logg.Info(logCtx, "pending plan change cancelled")
	return nil
}

func (s *Service) closeChange(ctx context.Context, tx *gorm.DB, sub *models.Subscription, change *models.PendingPlanChange, status enums.PlanChangeStatus, eventType enums.OutboxEventType) error {
	change.PaymentStatus = status
	if err := s.repo.WithTx(tx).SaveChange(ctx, change); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save plan change")
	}
	return s.emitChange(ctx, tx, eventType, sub.TenantID, change)
}

func (s *Service) emitChange(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, tenantID uuid.UUID, change *models.PendingPlanChange) error {
	err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePlanChange,
		AggregateID:   change.ID,
		Actor:         outbox.Actor(ctx, tenantID),
		Data: payloads.PlanChangeEvent{
			ChangeID:            change.ID,
			SubscriptionID:      change.SubscriptionID,
			TenantID:            tenantID,
			CurrentPlanID:       change.CurrentPlanID,
			NewPlanID:           change.NewPlanID,
			CurrentBillingCycle: change.CurrentBillingCycle,
			NewBillingCycle:     change.NewBillingCycle,
			IsUpgrade:           change.IsUpgrade,
			ProrationAmount:     change.ProrationAmount,
			Currency:            change.Currency,
			PaymentStatus:       change.PaymentStatus,
			ScheduledFor:        change.ScheduledFor,
			AppliedAt:           change.AppliedAt,
		},
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit "+string(eventType))
	}
	return nil
}
