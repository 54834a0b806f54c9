package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Context key type to avoid collisions
type contextKey string

// IdentityKey is the context key for the caller identity
const IdentityKey contextKey = "identity"

// Roles known to the pipeline. Admin passes every role check.
const (
	RoleAdmin   = "admin"
	RoleUser    = "user"
	RoleAuditor = "auditor"
)

// ValidRole reports whether role is one of the known roles
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleUser, RoleAuditor:
		return true
	}
	return false
}

// Identity is the authenticated caller, scoped to exactly one tenant
type Identity struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Role     string `json:"role"`
}

// HasAnyRole reports whether the identity may act as one of roles
func (i *Identity) HasAnyRole(roles ...string) bool {
	if i == nil {
		return false
	}
	if i.Role == RoleAdmin {
		return true
	}
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

// GetRequestIDFromContext retrieves the request ID set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// GetIdentityFromContext retrieves the caller identity from context
func GetIdentityFromContext(ctx context.Context) *Identity {
	if val := ctx.Value(IdentityKey); val != nil {
		if identity, ok := val.(*Identity); ok {
			return identity
		}
	}
	return nil
}

// WithIdentity adds the caller identity to the context
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}
