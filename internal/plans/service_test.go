package plans

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/db/dbtest"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

type countingRepo struct {
	Repository
	findCalls int
	listCalls int
}

func (c *countingRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	c.findCalls++
	return c.Repository.FindByID(ctx, id)
}

func (c *countingRepo) ListActive(ctx context.Context) ([]models.Plan, error) {
	c.listCalls++
	return c.Repository.ListActive(ctx)
}

func newSeededService(t *testing.T, now time.Time) (*Service, *countingRepo) {
	t.Helper()
	conn := dbtest.Open(t)
	repo := &countingRepo{Repository: NewRepository(conn)}
	svc, err := NewService(ServiceParams{Repo: repo, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.Seed(context.Background(), DefaultPlans("TRY")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return svc, repo
}

func TestIsUnlimited(t *testing.T) {
	for _, limit := range []int{0, 1, 5, 1000, -2} {
		if IsUnlimited(limit) {
			t.Fatalf("limit %d must be finite", limit)
		}
	}
	if !IsUnlimited(-1) {
		t.Fatal("-1 must be unlimited")
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	svc, _ := newSeededService(t, time.Now())
	created, err := svc.Seed(context.Background(), DefaultPlans("TRY"))
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected no new plans on reseed, got %d", created)
	}
}

func TestGetAvailablePlansOrderedWithDiscount(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc, err := NewService(ServiceParams{Repo: repo, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defaults := DefaultPlans("TRY")
	start := now.Add(-24 * time.Hour)
	end := now.Add(24 * time.Hour)
	defaults[2].IsDiscountActive = true
	defaults[2].DiscountPercentage = decimal.NewFromInt(25)
	defaults[2].DiscountStartDate = &start
	defaults[2].DiscountEndDate = &end
	if _, err := svc.Seed(context.Background(), defaults); err != nil {
		t.Fatalf("seed: %v", err)
	}

	views, err := svc.GetAvailablePlans(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 4 {
		t.Fatalf("expected 4 plans, got %d", len(views))
	}
	wantOrder := []enums.PlanTier{enums.PlanTierFree, enums.PlanTierBasic, enums.PlanTierPro, enums.PlanTierBusiness}
	for i, tier := range wantOrder {
		if views[i].Name != tier {
			t.Fatalf("position %d: expected %s, got %s", i, tier, views[i].Name)
		}
	}
	pro := views[2]
	if !pro.EffectiveMonthlyPrice.Equal(decimal.RequireFromString("59.99")) {
		t.Fatalf("expected discounted monthly 59.99, got %s", pro.EffectiveMonthlyPrice)
	}
	if pro.DiscountPercentage == nil {
		t.Fatal("expected discount percentage on view")
	}
	if views[3].Limits[enums.LimitCategoryUsers] != models.UnlimitedLimit {
		t.Fatalf("expected unlimited users on business plan")
	}
	if !views[0].Features[enums.FeatureKDSIntegration] || views[0].Features[enums.FeatureAPIAccess] {
		t.Fatalf("unexpected free plan features %+v", views[0].Features)
	}
}

func TestDiscountOutsideWindowIgnored(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	end := now.Add(-time.Hour)
	plan := DefaultPlans("TRY")[1]
	plan.IsDiscountActive = true
	plan.DiscountPercentage = decimal.NewFromInt(50)
	plan.DiscountEndDate = &end

	view := ToView(plan, now)
	if !view.EffectiveMonthlyPrice.Equal(plan.MonthlyPrice) {
		t.Fatalf("expired discount must not apply, got %s", view.EffectiveMonthlyPrice)
	}
	if view.DiscountPercentage != nil {
		t.Fatal("expired discount must not be shown")
	}
}

func TestGetPlanUsesCache(t *testing.T) {
	svc, repo := newSeededService(t, time.Now())
	pro, err := svc.GetPlanByTier(context.Background(), enums.PlanTierPro)
	if err != nil {
		t.Fatalf("by tier: %v", err)
	}

	for i := 0; i < 3; i++ {
		plan, err := svc.GetPlan(context.Background(), pro.ID)
		if err != nil {
			t.Fatalf("get plan: %v", err)
		}
		if plan.Name != enums.PlanTierPro {
			t.Fatalf("unexpected plan %s", plan.Name)
		}
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected a single repository lookup, got %d", repo.findCalls)
	}

	if _, err := svc.GetAvailablePlans(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := svc.GetAvailablePlans(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if repo.listCalls != 1 {
		t.Fatalf("expected a single list query, got %d", repo.listCalls)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	svc, _ := newSeededService(t, time.Now())
	_, err := svc.GetPlan(context.Background(), uuid.New())
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = svc.GetPlan(context.Background(), uuid.Nil)
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
