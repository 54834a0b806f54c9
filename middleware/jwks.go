package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidIssuer is returned when the token issuer does not match
	ErrInvalidIssuer = errors.New("invalid issuer")

	// ErrInvalidAudience is returned when the token audience does not match
	ErrInvalidAudience = errors.New("invalid audience")

	// ErrJWKSFetchFailed is returned when the key set cannot be fetched
	ErrJWKSFetchFailed = errors.New("failed to fetch JWKS")
)

// JWKS is a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is a single RSA JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSConfig configures a JWKSTokenValidator
type JWKSConfig struct {
	URL         string
	Issuer      string // optional
	Audience    string // optional
	CacheTTL    time.Duration
	HTTPTimeout time.Duration
}

// JWKSTokenValidator validates RS256 tokens against keys published by an
// identity provider
type JWKSTokenValidator struct {
	cfg        JWKSConfig
	httpClient *http.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

// NewJWKSTokenValidator creates a validator. Keys are fetched lazily.
func NewJWKSTokenValidator(cfg JWKSConfig) (*JWKSTokenValidator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	return &JWKSTokenValidator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		keys:       make(map[string]*rsa.PublicKey),
	}, nil
}

// ValidateToken verifies the signature and registered claims, then converts
// the token into an Identity
func (v *JWKSTokenValidator) ValidateToken(ctx context.Context, tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("kid header not found")
		}
		return v.publicKey(ctx, kid)
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrInvalidIssuer
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrInvalidAudience
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return identityFromClaims(claims)
}

// InvalidateCache drops every cached key so the next validation refetches
func (v *JWKSTokenValidator) InvalidateCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys = make(map[string]*rsa.PublicKey)
	v.expires = time.Time{}
}

func (v *JWKSTokenValidator) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := time.Now().Before(v.expires)
	v.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	// Unknown kid or stale set: the provider may have rotated keys
	if err := v.refresh(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
	}
	return key, nil
}

func (v *JWKSTokenValidator) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status code %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for i := range set.Keys {
		jwk := &set.Keys[i]
		if jwk.Kty != "RSA" || jwk.Kid == "" {
			continue
		}
		key, err := jwk.rsaPublicKey()
		if err != nil {
			return fmt.Errorf("key %s: %w", jwk.Kid, err)
		}
		keys[jwk.Kid] = key
	}

	v.mu.Lock()
	v.keys = keys
	v.expires = time.Now().Add(v.cfg.CacheTTL)
	v.mu.Unlock()
	return nil
}

func (k *JWK) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, errors.New("empty exponent")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
