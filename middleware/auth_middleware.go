package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/audit-pipeline/utils"
	"go.uber.org/zap"
)

// Trusted gateway headers
const (
	HeaderTenantID = "X-Tenant-Id"
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"
)

// TokenValidator defines the interface for validating bearer tokens
type TokenValidator interface {
	// ValidateToken validates a token and returns the caller identity
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}

// AuthMiddleware resolves the caller identity from a bearer token or trusted gateway headers
type AuthMiddleware struct {
	validator    TokenValidator
	trustHeaders bool
	logger       *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware. validator may be nil when only gateway headers are used.
func NewAuthMiddleware(validator TokenValidator, trustHeaders bool, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator:    validator,
		trustHeaders: trustHeaders,
		logger:       logger,
	}
}

// RequireAuth rejects requests without a resolvable identity.
// A bearer token takes precedence over gateway headers.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		var identity *Identity
		if token := extractBearerToken(r); token != "" && m.validator != nil {
			var err error
			identity, err = m.validator.ValidateToken(ctx, token)
			if err != nil {
				m.logger.Warn("token validation failed",
					zap.String("request_id", requestID),
					zap.Error(err))
				_ = utils.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
		} else if m.trustHeaders && r.Header.Get(HeaderTenantID) != "" {
			var reason string
			identity, reason = identityFromHeaders(r)
			if identity == nil {
				m.logger.Warn("invalid gateway identity headers",
					zap.String("request_id", requestID),
					zap.String("reason", reason))
				_ = utils.WriteUnauthorized(w, reason)
				return
			}
		}

		if identity == nil {
			m.logger.Warn("missing credentials",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("tenant_id", identity.TenantID),
			zap.String("user_id", identity.UserID),
			zap.String("role", identity.Role))

		next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
	})
}

// RequireRole allows the request when the caller holds one of roles. Admin always passes.
func (m *AuthMiddleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			identity := GetIdentityFromContext(ctx)
			if identity == nil {
				m.logger.Error("identity not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			if !identity.HasAnyRole(roles...) {
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.Strings("required_roles", roles),
					zap.String("role", identity.Role))
				_ = utils.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func identityFromHeaders(r *http.Request) (*Identity, string) {
	identity := &Identity{
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		UserName: strings.TrimSpace(r.Header.Get(HeaderUserName)),
		Role:     strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))),
	}

	if err := utils.ValidateTenantID(identity.TenantID); err != nil {
		return nil, "Invalid tenant identity"
	}
	if identity.UserID == "" {
		return nil, "Missing user identity"
	}
	if identity.Role == "" {
		identity.Role = RoleUser
	}
	if !ValidRole(identity.Role) {
		return nil, "Unknown role"
	}
	return identity, ""
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
