package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/api/responses"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

type FeatureChecker interface {
	IsFeatureEnabled(ctx context.Context, tenantID uuid.UUID, feature enums.Feature) (bool, error)
}

type LimitChecker interface {
	CheckLimit(ctx context.Context, tenantID uuid.UUID, category enums.LimitCategory) error
}

// RequireFeature rejects tenants whose live plan does not enable feature. Mount behind Auth.
func RequireFeature(feature enums.Feature, checker FeatureChecker, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tenantID := TenantIDFromContext(ctx)
			if tenantID == uuid.Nil {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "tenant required"))
				return
			}
			enabled, err := checker.IsFeatureEnabled(ctx, tenantID, feature)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if !enabled {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "plan does not include "+feature.String()).
					WithDetails(map[string]any{"feature": feature.String()}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireLimit rejects the request once the tenant has reached the plan limit for category.
// The check is soft: concurrent creates may overshoot by the number of in-flight requests.
func RequireLimit(category enums.LimitCategory, checker LimitChecker, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tenantID := TenantIDFromContext(ctx)
			if tenantID == uuid.Nil {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "tenant required"))
				return
			}
			if err := checker.CheckLimit(ctx, tenantID, category); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
