package limits

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/pkg/db/dbtest"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

type stubResolver struct {
	plan *models.Plan
	err  error
}

func (s stubResolver) LivePlan(context.Context, uuid.UUID) (*models.Plan, error) {
	return s.plan, s.err
}

type mapCounter map[enums.LimitCategory]int64

func (m mapCounter) Count(_ context.Context, _ uuid.UUID, category enums.LimitCategory, _ time.Time) (int64, error) {
	return m[category], nil
}

func basicPlan() *models.Plan {
	return &models.Plan{
		Name:             enums.PlanTierBasic,
		MaxUsers:         5,
		MaxTables:        20,
		MaxProducts:      100,
		MaxCategories:    20,
		MaxMonthlyOrders: 500,
	}
}

func TestCheckLimitTieIsViolation(t *testing.T) {
	limiter, _ := NewLimiter(mapCounter{enums.LimitCategoryUsers: 5}, stubResolver{plan: basicPlan()}, nil)
	err := limiter.CheckLimit(context.Background(), uuid.New(), enums.LimitCategoryUsers)
	if !pkgerrors.IsCode(err, pkgerrors.CodeLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	v, ok := pkgerrors.As(err).Details().(Violation)
	if !ok || v.Current != 5 || v.Limit != 5 {
		t.Fatalf("unexpected details %+v", pkgerrors.As(err).Details())
	}

	limiter, _ = NewLimiter(mapCounter{enums.LimitCategoryUsers: 4}, stubResolver{plan: basicPlan()}, nil)
	if err := limiter.CheckLimit(context.Background(), uuid.New(), enums.LimitCategoryUsers); err != nil {
		t.Fatalf("expected room for one more user, got %v", err)
	}
}

func TestCheckLimitUnlimitedNeverRejects(t *testing.T) {
	plan := basicPlan()
	plan.MaxProducts = models.UnlimitedLimit
	for _, count := range []int64{0, 1, 1_000_000} {
		limiter, _ := NewLimiter(mapCounter{enums.LimitCategoryProducts: count}, stubResolver{plan: plan}, nil)
		if err := limiter.CheckLimit(context.Background(), uuid.New(), enums.LimitCategoryProducts); err != nil {
			t.Fatalf("unlimited category rejected at %d: %v", count, err)
		}
	}
}

func TestCheckLimitWithoutSubscriptionIsForbidden(t *testing.T) {
	limiter, _ := NewLimiter(mapCounter{}, stubResolver{}, nil)
	err := limiter.CheckLimit(context.Background(), uuid.New(), enums.LimitCategoryTables)
	if !pkgerrors.IsCode(err, pkgerrors.CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := limiter.CheckLimit(context.Background(), uuid.New(), enums.LimitCategory("seats")); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for unknown category, got %v", err)
	}
}

func TestDowngradeViolations(t *testing.T) {
	counter := mapCounter{
		enums.LimitCategoryUsers:         6,
		enums.LimitCategoryTables:        20,
		enums.LimitCategoryMonthlyOrders: 10_000,
	}
	limiter, _ := NewLimiter(counter, stubResolver{plan: basicPlan()}, nil)
	violations, err := limiter.DowngradeViolations(context.Background(), uuid.New(), *basicPlan())
	if err != nil {
		t.Fatalf("violations: %v", err)
	}
	if len(violations) != 1 || violations[0].Category != enums.LimitCategoryUsers {
		t.Fatalf("expected only the users violation, got %+v", violations)
	}

	verr := ViolationError(violations)
	if !pkgerrors.IsCode(verr, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", verr)
	}
	if !strings.Contains(verr.Error(), "Users: 6/5") {
		t.Fatalf("expected usage line in message, got %q", verr.Error())
	}
	if ViolationError(nil) != nil {
		t.Fatal("no violations must produce no error")
	}
}

func TestGormCounter(t *testing.T) {
	conn := dbtest.Open(t)
	tenant := uuid.New()
	other := uuid.New()
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	dbtest.Insert(t, conn, "users", map[string]any{"tenant_id": tenant.String(), "is_active": true})
	dbtest.Insert(t, conn, "users", map[string]any{"tenant_id": tenant.String(), "is_active": true})
	dbtest.Insert(t, conn, "users", map[string]any{"tenant_id": tenant.String(), "is_active": false})
	dbtest.Insert(t, conn, "users", map[string]any{"tenant_id": other.String(), "is_active": true})
	dbtest.Insert(t, conn, "orders", map[string]any{"tenant_id": tenant.String(), "created_at": now.AddDate(0, 0, -3)})
	dbtest.Insert(t, conn, "orders", map[string]any{"tenant_id": tenant.String(), "created_at": now.AddDate(0, -1, 0)})
	dbtest.Insert(t, conn, "tables", map[string]any{"tenant_id": tenant.String()})

	counter := NewGormCounter(conn)
	cases := map[enums.LimitCategory]int64{
		enums.LimitCategoryUsers:         2,
		enums.LimitCategoryMonthlyOrders: 1,
		enums.LimitCategoryTables:        1,
		enums.LimitCategoryProducts:      0,
	}
	for category, want := range cases {
		got, err := counter.Count(context.Background(), tenant, category, now)
		if err != nil {
			t.Fatalf("count %s: %v", category, err)
		}
		if got != want {
			t.Fatalf("%s: expected %d, got %d", category, want, got)
		}
	}
}

func TestUsageSummary(t *testing.T) {
	plan := basicPlan()
	plan.MaxMonthlyOrders = models.UnlimitedLimit
	limiter, _ := NewLimiter(mapCounter{enums.LimitCategoryUsers: 3}, stubResolver{plan: plan}, nil)
	entries, err := limiter.Usage(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(entries) != len(enums.AllLimitCategories()) {
		t.Fatalf("expected every category, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Category == enums.LimitCategoryUsers && (entry.Current != 3 || entry.Limit != 5) {
			t.Fatalf("unexpected users entry %+v", entry)
		}
		if entry.Category == enums.LimitCategoryMonthlyOrders && !entry.Unlimited {
			t.Fatalf("expected unlimited monthly orders")
		}
	}
}
