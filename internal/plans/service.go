package plans

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

const (
	defaultCacheSize = 64
	defaultCacheTTL  = 5 * time.Minute
	activeKey        = "active"
)

// IsUnlimited reports whether a plan limit has no upper bound.
func IsUnlimited(limit int) bool {
	return limit == models.UnlimitedLimit
}

// PlanView is the public representation of a plan with its effective prices.
type PlanView struct {
	ID                    uuid.UUID                   `json:"id"`
	Name                  enums.PlanTier              `json:"name"`
	DisplayName           string                      `json:"displayName"`
	Description           *string                     `json:"description,omitempty"`
	MonthlyPrice          decimal.Decimal             `json:"monthlyPrice"`
	YearlyPrice           decimal.Decimal             `json:"yearlyPrice"`
	EffectiveMonthlyPrice decimal.Decimal             `json:"effectiveMonthlyPrice"`
	EffectiveYearlyPrice  decimal.Decimal             `json:"effectiveYearlyPrice"`
	DiscountPercentage    *decimal.Decimal            `json:"discountPercentage,omitempty"`
	Currency              string                      `json:"currency"`
	TrialDays             int                         `json:"trialDays"`
	Limits                map[enums.LimitCategory]int `json:"limits"`
	Features              map[enums.Feature]bool      `json:"features"`
}

// ServiceParams groups dependencies for the plan service.
type ServiceParams struct {
	Repo      Repository
	Logger    *logger.Logger
	CacheSize int
	CacheTTL  time.Duration
	Now       func() time.Time
}

// Service serves the plan catalog through a read-through cache.
type Service struct {
	repo   Repository
	logg   *logger.Logger
	byID   *expirable.LRU[uuid.UUID, models.Plan]
	active *expirable.LRU[string, []models.Plan]
	now    func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("plan repository is required")
	}
	size := params.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := params.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:   params.Repo,
		logg:   params.Logger,
		byID:   expirable.NewLRU[uuid.UUID, models.Plan](size, nil, ttl),
		active: expirable.NewLRU[string, []models.Plan](1, nil, ttl),
		now:    now,
	}, nil
}

// GetAvailablePlans returns active plans ordered for display with discounts applied.
func (s *Service) GetAvailablePlans(ctx context.Context) ([]PlanView, error) {
	plans, ok := s.active.Get(activeKey)
	if !ok {
		loaded, err := s.repo.ListActive(ctx)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list plans")
		}
		plans = loaded
		s.active.Add(activeKey, plans)
		for _, plan := range plans {
			s.byID.Add(plan.ID, plan)
		}
	}

	now := s.now().UTC()
	views := make([]PlanView, 0, len(plans))
	for _, plan := range plans {
		views = append(views, ToView(plan, now))
	}
	return views, nil
}

// GetPlan returns the plan or a NOT_FOUND error.
func (s *Service) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	if plan, ok := s.byID.Get(id); ok {
		return &plan, nil
	}
	plan, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}
	s.byID.Add(plan.ID, *plan)
	return plan, nil
}

// GetActivePlan is GetPlan restricted to plans still offered for purchase.
func (s *Service) GetActivePlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	plan, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan is not available")
	}
	return plan, nil
}

func (s *Service) GetPlanByTier(ctx context.Context, tier enums.PlanTier) (*models.Plan, error) {
	plan, err := s.repo.FindByName(ctx, tier)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}
	return plan, nil
}

// Invalidate drops every cached plan.
func (s *Service) Invalidate() {
	s.byID.Purge()
	s.active.Purge()
}

// Seed inserts the given plans, skipping tiers that already exist.
func (s *Service) Seed(ctx context.Context, plans []models.Plan) (int, error) {
	created := 0
	for i := range plans {
		plan := plans[i]
		inserted, err := s.repo.Upsert(ctx, &plan)
		if err != nil {
			return created, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "seed plan "+plan.Name.String())
		}
		if inserted {
			created++
		}
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{"plan": plan.Name, "created": inserted})
			s.logg.Info(logCtx, "plan seeded")
		}
	}
	s.Invalidate()
	return created, nil
}

// ToView builds the public plan shape at the given instant.
func ToView(plan models.Plan, now time.Time) PlanView {
	view := PlanView{
		ID:                    plan.ID,
		Name:                  plan.Name,
		DisplayName:           plan.DisplayName,
		Description:           plan.Description,
		MonthlyPrice:          plan.MonthlyPrice,
		YearlyPrice:           plan.YearlyPrice,
		EffectiveMonthlyPrice: plan.EffectivePrice(enums.BillingCycleMonthly, now),
		EffectiveYearlyPrice:  plan.EffectivePrice(enums.BillingCycleYearly, now),
		Currency:              plan.Currency,
		TrialDays:             plan.TrialDays,
		Limits:                make(map[enums.LimitCategory]int, len(enums.AllLimitCategories())),
		Features:              make(map[enums.Feature]bool),
	}
	if plan.DiscountApplies(now) {
		pct := plan.DiscountPercentage
		view.DiscountPercentage = &pct
	}
	for _, category := range enums.AllLimitCategories() {
		view.Limits[category] = plan.Limit(category)
	}
	for _, feature := range enums.AllFeatures() {
		view.Features[feature] = plan.HasFeature(feature)
	}
	return view
}
