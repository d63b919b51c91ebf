package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/billing-engine/api/responses"
	pkgAuth "github.com/angelmondragon/billing-engine/pkg/auth"
	"github.com/angelmondragon/billing-engine/pkg/config"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

// Auth validates a bearer token and seeds the request context with its tenant.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithTenantID(r.Context(), claims.TenantID)
			if logg != nil {
				ctx = logg.WithTenantID(ctx, claims.TenantID.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
