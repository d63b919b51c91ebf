package subscriptions

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/limits"
	"github.com/angelmondragon/billing-engine/pkg/db/dbtest"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

func (f *fixture) addUsers(sub *models.Subscription, n int) {
	f.t.Helper()
	for i := 0; i < n; i++ {
		dbtest.Insert(f.t, f.conn, "users", map[string]any{"tenant_id": sub.TenantID.String(), "is_active": true})
	}
}

func TestDowngradeRejectedWhenUsageExceedsTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activeSub(enums.PlanTierPro, enums.BillingCycleMonthly)
	f.addUsers(sub, 6)

	_, err := f.svc.ChangePlan(ctx, sub.TenantID, sub.ID, f.plan(enums.PlanTierBasic).ID, "")
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Users: 6/5") {
		t.Fatalf("expected violation summary in %q", err.Error())
	}
	violations, ok := pkgerrors.As(err).Details().([]limits.Violation)
	if !ok || len(violations) != 1 || violations[0].Category != enums.LimitCategoryUsers {
		t.Fatalf("unexpected violation details %+v", pkgerrors.As(err).Details())
	}

	got := f.reload(sub.ID)
	if got.PlanID != sub.PlanID {
		t.Fatalf("subscription plan must not change")
	}
	open, err := f.repo.FindOpenChange(ctx, sub.ID)
	if err != nil || open != nil {
		t.Fatalf("expected no plan change recorded, got %+v %v", open, err)
	}
}

func TestDowngradeIsScheduledForPeriodEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activeSub(enums.PlanTierPro, enums.BillingCycleMonthly)
	f.addUsers(sub, 3)
	basic := f.plan(enums.PlanTierBasic)

	result, err := f.svc.ChangePlan(ctx, sub.TenantID, sub.ID, basic.ID, "")
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	change := result.PendingChange
	if change.IsUpgrade || result.Applied || change.PaymentStatus != enums.PlanChangeStatusCompleted {
		t.Fatalf("expected scheduled downgrade, got %+v", change)
	}
	if change.ScheduledFor == nil || !change.ScheduledFor.Equal(sub.CurrentPeriodEnd) {
		t.Fatalf("expected downgrade at period end %s, got %v", sub.CurrentPeriodEnd, change.ScheduledFor)
	}
	if got := f.reload(sub.ID); got.PlanID != sub.PlanID {
		t.Fatalf("downgrade must wait for the period end")
	}
	if !hasEvent(f.eventTypes(enums.AggregatePlanChange, change.ID), enums.EventPlanDowngradeScheduled) {
		t.Fatalf("expected plan_downgrade_scheduled event")
	}

	if _, err := f.svc.ApplyDueDowngrade(ctx, change.ID, f.clock.Now()); !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict before the scheduled date, got %v", err)
	}

	f.clock.Advance(32 * 24 * time.Hour)
	due, err := f.svc.ListDueDowngrades(ctx, f.clock.Now(), 0)
	if err != nil || len(due) != 1 || due[0].ID != change.ID {
		t.Fatalf("expected the downgrade to be due, got %d (%v)", len(due), err)
	}
	applied, err := f.svc.ApplyDueDowngrade(ctx, change.ID, f.clock.Now())
	if err != nil {
		t.Fatalf("apply downgrade: %v", err)
	}
	if !applied.IsApplied() {
		t.Fatalf("expected applied change")
	}
	got := f.reload(sub.ID)
	if got.PlanID != basic.ID || !got.Amount.Equal(decimal.RequireFromString("29.99")) {
		t.Fatalf("expected basic plan at 29.99, got plan %s amount %s", got.PlanID, got.Amount)
	}
	if due, _ := f.svc.ListDueDowngrades(ctx, f.clock.Now(), 0); len(due) != 0 {
		t.Fatalf("applied downgrade must not be due again")
	}
}

func TestUpgradeWaitsForProrationPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activeSub(enums.PlanTierBasic, enums.BillingCycleMonthly)
	pro := f.plan(enums.PlanTierPro)

	result, err := f.svc.ChangePlan(ctx, sub.TenantID, sub.ID, pro.ID, "")
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	change := result.PendingChange
	if !change.IsUpgrade || !change.PaymentRequired || result.Applied {
		t.Fatalf("expected upgrade awaiting payment, got %+v", change)
	}
	if !change.ProrationAmount.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("expected full-period proration of 50.00, got %s", change.ProrationAmount)
	}
	if change.ExpiresAt == nil || !change.ExpiresAt.Equal(f.clock.Now().Add(24*time.Hour)) {
		t.Fatalf("expected change to expire in 24h, got %v", change.ExpiresAt)
	}

	_, err = f.svc.ChangePlan(ctx, sub.TenantID, sub.ID, f.plan(enums.PlanTierBusiness).ID, "")
	if !pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
		t.Fatalf("expected conflict while a change is pending, got %v", err)
	}

	applyInTx(t, f, change.ID)
	got := f.reload(sub.ID)
	if got.PlanID != pro.ID || !got.Amount.Equal(decimal.RequireFromString("79.99")) {
		t.Fatalf("expected pro plan at 79.99, got %s", got.Amount)
	}
	if !hasEvent(f.eventTypes(enums.AggregatePlanChange, change.ID), enums.EventPlanUpgraded) {
		t.Fatalf("expected plan_upgraded event")
	}

	again := applyInTx(t, f, change.ID)
	if !again.IsApplied() {
		t.Fatalf("applying twice must be a no-op")
	}
}

func TestUpgradeAtPeriodBoundaryAppliesImmediately(t *testing.T) {
	f := newFixture(t)
	sub := f.activeSub(enums.PlanTierBasic, enums.BillingCycleMonthly)
	f.clock.now = sub.CurrentPeriodEnd

	result, err := f.svc.ChangePlan(context.Background(), sub.TenantID, sub.ID, f.plan(enums.PlanTierPro).ID, "")
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	if !result.Applied || result.PendingChange.PaymentRequired || !result.PendingChange.ProrationAmount.IsZero() {
		t.Fatalf("expected immediate upgrade with nothing owed, got %+v", result.PendingChange)
	}
	if result.Subscription.PlanID != f.plan(enums.PlanTierPro).ID {
		t.Fatalf("expected subscription on pro plan")
	}
}

func TestStalePlanChangeExpiresAndCannotBeApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activeSub(enums.PlanTierBasic, enums.BillingCycleMonthly)

	result, err := f.svc.ChangePlan(ctx, sub.TenantID, sub.ID, f.plan(enums.PlanTierPro).ID, "")
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}

	expired, err := f.svc.ExpireStaleChanges(ctx, f.clock.Now(), 0)
	if err != nil || expired != 0 {
		t.Fatalf("fresh change must survive, got %d %v", expired, err)
	}

	f.clock.Advance(25 * time.Hour)
	expired, err = f.svc.ExpireStaleChanges(ctx, f.clock.Now(), 0)
	if err != nil || expired != 1 {
		t.Fatalf("expected one expired change, got %d %v", expired, err)
	}

	err = f.svc.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := f.svc.ApplyPlanChange(ctx, tx, result.PendingChange.ID, f.clock.Now())
		return err
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict applying an expired change, got %v", err)
	}
	if got := f.reload(sub.ID); got.PlanID != sub.PlanID {
		t.Fatalf("expired change must not move the plan")
	}
	if !hasEvent(f.eventTypes(enums.AggregatePlanChange, result.PendingChange.ID), enums.EventPlanChangeExpired) {
		t.Fatalf("expected plan_change_expired event")
	}
}

func TestCancelPendingChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activeSub(enums.PlanTierBasic, enums.BillingCycleMonthly)

	if _, err := f.svc.CancelPendingChange(ctx, sub.TenantID, sub.ID); !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found without an open change, got %v", err)
	}
	if _, err := f.svc.ChangePlan(ctx, sub.TenantID, sub.ID, f.plan(enums.PlanTierPro).ID, ""); err != nil {
		t.Fatalf("change plan: %v", err)
	}
	cancelled, err := f.svc.CancelPendingChange(ctx, sub.TenantID, sub.ID)
	if err != nil || cancelled.PaymentStatus != enums.PlanChangeStatusCancelled {
		t.Fatalf("expected cancelled change, got %+v %v", cancelled, err)
	}
	open, err := f.svc.GetPendingChange(ctx, sub.TenantID, sub.ID)
	if err != nil || open != nil {
		t.Fatalf("expected no open change, got %+v %v", open, err)
	}
}

func TestChangePlanRejectsSamePlanAndCycle(t *testing.T) {
	f := newFixture(t)
	sub := f.activeSub(enums.PlanTierBasic, enums.BillingCycleMonthly)

	_, err := f.svc.ChangePlan(context.Background(), sub.TenantID, sub.ID, sub.PlanID, enums.BillingCycleMonthly)
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestImmediateCancelClosesScheduledDowngrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activeSub(enums.PlanTierPro, enums.BillingCycleMonthly)

	result, err := f.svc.ChangePlan(ctx, sub.TenantID, sub.ID, f.plan(enums.PlanTierBasic).ID, "")
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, sub.TenantID, sub.ID, true, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	change, err := f.repo.FindChange(ctx, result.PendingChange.ID)
	if err != nil || change.PaymentStatus != enums.PlanChangeStatusCancelled {
		t.Fatalf("expected downgrade cancelled with the subscription, got %+v %v", change, err)
	}
}

func applyInTx(t *testing.T, f *fixture, changeID uuid.UUID) *models.PendingPlanChange {
	t.Helper()
	var applied *models.PendingPlanChange
	err := f.svc.tx.WithTx(context.Background(), func(tx *gorm.DB) error {
		change, err := f.svc.ApplyPlanChange(context.Background(), tx, changeID, f.clock.Now())
		applied = change
		return err
	})
	if err != nil {
		t.Fatalf("apply plan change: %v", err)
	}
	return applied
}
