package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/audit-pipeline/utils"
)

var (
	// ErrInvalidToken is returned when the token is malformed or its signature does not verify
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrMissingClaim is returned when a required claim is missing
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenClaims are the claims carried by a bearer token
type TokenClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// HMACTokenValidator validates HS256 tokens signed with a shared secret
type HMACTokenValidator struct {
	secret []byte
}

// NewHMACTokenValidator creates a validator. An empty secret is rejected.
func NewHMACTokenValidator(secret string) (*HMACTokenValidator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &HMACTokenValidator{secret: []byte(secret)}, nil
}

// ValidateToken verifies the token and converts its claims into an Identity
func (v *HMACTokenValidator) ValidateToken(ctx context.Context, tokenString string) (*Identity, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return identityFromClaims(claims)
}

// Sign issues a token for identity. Used by tooling and tests.
func (v *HMACTokenValidator) Sign(identity Identity, registered jwt.RegisteredClaims) (string, error) {
	registered.Subject = identity.UserID
	claims := TokenClaims{
		RegisteredClaims: registered,
		TenantID:         identity.TenantID,
		Name:             identity.UserName,
		Role:             identity.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func identityFromClaims(claims *TokenClaims) (*Identity, error) {
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id", ErrMissingClaim)
	}
	if err := utils.ValidateTenantID(claims.TenantID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if !ValidRole(claims.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return &Identity{
		TenantID: claims.TenantID,
		UserID:   claims.Subject,
		UserName: claims.Name,
		Role:     claims.Role,
	}, nil
}
