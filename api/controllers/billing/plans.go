package billing

import (
	"context"
	"net/http"

	"github.com/angelmondragon/billing-engine/api/responses"
	"github.com/angelmondragon/billing-engine/internal/plans"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

// PlanCatalog describes the plan methods used by the public catalog endpoint.
type PlanCatalog interface {
	GetAvailablePlans(ctx context.Context) ([]plans.PlanView, error)
}

type planListResponse struct {
	Plans []plans.PlanView `json:"plans"`
}

// PublicPlansList returns the purchasable plans with any active discount applied.
func PublicPlansList(svc PlanCatalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		views, err := svc.GetAvailablePlans(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, planListResponse{Plans: views})
	}
}
