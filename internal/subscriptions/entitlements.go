package subscriptions

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

// LivePlanResolver returns the plan behind a tenant's live subscription. It is built before the
// subscription service so the usage limiter can depend on it.
type LivePlanResolver struct {
	repo  Repository
	plans PlanCatalog
}

func NewLivePlanResolver(repo Repository, plans PlanCatalog) *LivePlanResolver {
	return &LivePlanResolver{repo: repo, plans: plans}
}

// LivePlan returns nil when the tenant has no TRIALING or ACTIVE subscription.
func (r *LivePlanResolver) LivePlan(ctx context.Context, tenantID uuid.UUID) (*models.Plan, error) {
	sub, err := r.repo.FindLive(ctx, tenantID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load live subscription")
	}
	if sub == nil {
		return nil, nil
	}
	return r.plans.GetPlan(ctx, sub.PlanID)
}

func (s *Service) LivePlan(ctx context.Context, tenantID uuid.UUID) (*models.Plan, error) {
	return s.resolver.LivePlan(ctx, tenantID)
}

// IsFeatureEnabled reports whether the tenant's live plan enables feature. No live subscription means no features.
func (s *Service) IsFeatureEnabled(ctx context.Context, tenantID uuid.UUID, feature enums.Feature) (bool, error) {
	if !feature.IsValid() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown feature %q", feature))
	}
	plan, err := s.LivePlan(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if plan == nil {
		return false, nil
	}
	return plan.HasFeature(feature), nil
}
