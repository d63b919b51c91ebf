package subscriptions

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/api/middleware"
	"github.com/angelmondragon/billing-engine/api/responses"
	"github.com/angelmondragon/billing-engine/internal/limits"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

type FeatureChecker interface {
	IsFeatureEnabled(ctx context.Context, tenantID uuid.UUID, feature enums.Feature) (bool, error)
}

type LimitChecker interface {
	CheckLimit(ctx context.Context, tenantID uuid.UUID, category enums.LimitCategory) error
	Usage(ctx context.Context, tenantID uuid.UUID) ([]limits.UsageEntry, error)
}

type featureResponse struct {
	Feature enums.Feature `json:"feature"`
	Enabled bool          `json:"enabled"`
}

type limitResponse struct {
	Category enums.LimitCategory `json:"category"`
	Allowed  bool                `json:"allowed"`
}

// EntitlementFeature reports whether the tenant's live plan includes the feature.
func EntitlementFeature(svc FeatureChecker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement service unavailable"))
			return
		}
		feature, err := enums.ParseFeature(chi.URLParam(r, "feature"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid feature"))
			return
		}

		enabled, err := svc.IsFeatureEnabled(ctx, middleware.TenantIDFromContext(ctx), feature)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, featureResponse{Feature: feature, Enabled: enabled})
	}
}

// EntitlementLimit answers whether one more resource of the category may be created.
// A full quota surfaces as LIMIT_EXCEEDED.
func EntitlementLimit(svc LimitChecker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement service unavailable"))
			return
		}
		category, err := enums.ParseLimitCategory(chi.URLParam(r, "category"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid limit category"))
			return
		}

		if err := svc.CheckLimit(ctx, middleware.TenantIDFromContext(ctx), category); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, limitResponse{Category: category, Allowed: true})
	}
}

func EntitlementUsage(svc LimitChecker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement service unavailable"))
			return
		}
		usage, err := svc.Usage(ctx, middleware.TenantIDFromContext(ctx))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"usage": usage})
	}
}
