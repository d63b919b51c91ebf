// Package limits compares live usage against the tenant's plan.
//
// Checks are advisory: two concurrent creations can both pass CheckLimit and overshoot the limit by one.
// The counted resources belong to other modules, so no lock is taken here.
package limits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/internal/plans"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

// PlanResolver returns the plan behind the tenant's live subscription, or nil when there is none.
type PlanResolver interface {
	LivePlan(ctx context.Context, tenantID uuid.UUID) (*models.Plan, error)
}

// Violation is one category whose usage does not fit a plan limit.
type Violation struct {
	Category enums.LimitCategory `json:"category"`
	Current  int64               `json:"current"`
	Limit    int                 `json:"limit"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %d/%d", v.Category.Label(), v.Current, v.Limit)
}

// UsageEntry is one line of the usage summary.
type UsageEntry struct {
	Category  enums.LimitCategory `json:"category"`
	Current   int64               `json:"current"`
	Limit     int                 `json:"limit"`
	Unlimited bool                `json:"unlimited"`
}

type Limiter struct {
	counter UsageCounter
	plans   PlanResolver
	now     func() time.Time
}

func NewLimiter(counter UsageCounter, resolver PlanResolver, now func() time.Time) (*Limiter, error) {
	if counter == nil {
		return nil, errors.New("usage counter is required")
	}
	if resolver == nil {
		return nil, errors.New("plan resolver is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{counter: counter, plans: resolver, now: now}, nil
}

// CheckLimit fails with LIMIT_EXCEEDED once usage reached the plan limit.
func (l *Limiter) CheckLimit(ctx context.Context, tenantID uuid.UUID, category enums.LimitCategory) error {
	if !category.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown limit category %q", category))
	}
	plan, err := l.livePlan(ctx, tenantID)
	if err != nil {
		return err
	}
	limit := plan.Limit(category)
	if plans.IsUnlimited(limit) {
		return nil
	}
	current, err := l.counter.Count(ctx, tenantID, category, l.now())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count usage")
	}
	if current >= int64(limit) {
		v := Violation{Category: category, Current: current, Limit: limit}
		return pkgerrors.New(pkgerrors.CodeLimitExceeded, fmt.Sprintf("%s limit reached (%s)", category.Label(), v)).
			WithDetails(v)
	}
	return nil
}

// Usage summarizes every category for the tenant's live plan.
func (l *Limiter) Usage(ctx context.Context, tenantID uuid.UUID) ([]UsageEntry, error) {
	plan, err := l.livePlan(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	entries := make([]UsageEntry, 0, len(enums.AllLimitCategories()))
	for _, category := range enums.AllLimitCategories() {
		current, err := l.counter.Count(ctx, tenantID, category, now)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count usage")
		}
		limit := plan.Limit(category)
		entries = append(entries, UsageEntry{
			Category:  category,
			Current:   current,
			Limit:     limit,
			Unlimited: plans.IsUnlimited(limit),
		})
	}
	return entries, nil
}

// DowngradeViolations lists the categories whose current usage exceeds the target plan.
func (l *Limiter) DowngradeViolations(ctx context.Context, tenantID uuid.UUID, target models.Plan) ([]Violation, error) {
	now := l.now()
	var violations []Violation
	for _, category := range enums.DowngradeLimitCategories {
		limit := target.Limit(category)
		if plans.IsUnlimited(limit) {
			continue
		}
		current, err := l.counter.Count(ctx, tenantID, category, now)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count usage")
		}
		if current > int64(limit) {
			violations = append(violations, Violation{Category: category, Current: current, Limit: limit})
		}
	}
	return violations, nil
}

// ViolationError turns downgrade violations into a VALIDATION_ERROR with one line per category.
func ViolationError(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	lines := make([]string, 0, len(violations))
	for _, v := range violations {
		lines = append(lines, v.String())
	}
	msg := "current usage exceeds the target plan limits: " + strings.Join(lines, ", ")
	return pkgerrors.New(pkgerrors.CodeValidation, msg).WithDetails(violations)
}

func (l *Limiter) livePlan(ctx context.Context, tenantID uuid.UUID) (*models.Plan, error) {
	plan, err := l.plans.LivePlan(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "no active subscription")
	}
	return plan, nil
}
