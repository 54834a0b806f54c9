package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/audit-pipeline/utils"
	"go.uber.org/zap"
)

// TenantScope rejects requests naming a tenant other than the caller's.
// It checks the tenantID URL parameter and the tenant_id query parameter.
// Must run after RequireAuth.
func TenantScope(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			identity := GetIdentityFromContext(ctx)
			if identity == nil {
				logger.Error("identity not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			for _, requested := range []string{chi.URLParam(r, "tenantID"), r.URL.Query().Get("tenant_id")} {
				if requested != "" && requested != identity.TenantID {
					logger.Warn("cross-tenant request rejected",
						zap.String("request_id", requestID),
						zap.String("tenant_id", identity.TenantID),
						zap.String("requested_tenant_id", requested))
					_ = utils.WriteForbidden(w, "Access to another tenant is forbidden")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
