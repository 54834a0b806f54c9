package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Identity), args.Error(1)
}

func okHandler(check func(*Identity)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(GetIdentityFromContext(r.Context()))
		}
		w.WriteHeader(http.StatusOK)
	})
}

func mustNotRun(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid bearer token sets identity", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		m := NewAuthMiddleware(mockValidator, false, logger)

		identity := &Identity{TenantID: "tenant-a", UserID: "u-1", Role: RoleAuditor}
		mockValidator.On("ValidateToken", mock.Anything, "valid-token").Return(identity, nil)

		handler := m.RequireAuth(okHandler(func(got *Identity) {
			assert.Equal(t, identity, got)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockValidator.AssertExpectations(t)
	})

	t.Run("invalid token returns 401 even with gateway headers", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		m := NewAuthMiddleware(mockValidator, true, logger)

		mockValidator.On("ValidateToken", mock.Anything, "bad-token").Return(nil, ErrInvalidToken)

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer bad-token")
		req.Header.Set(HeaderTenantID, "tenant-a")
		req.Header.Set(HeaderUserID, "u-1")
		w := httptest.NewRecorder()
		m.RequireAuth(mustNotRun(t)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("gateway headers when trusted", func(t *testing.T) {
		m := NewAuthMiddleware(nil, true, logger)

		handler := m.RequireAuth(okHandler(func(got *Identity) {
			require.NotNil(t, got)
			assert.Equal(t, "tenant-a", got.TenantID)
			assert.Equal(t, "u-1", got.UserID)
			assert.Equal(t, "Ada", got.UserName)
			assert.Equal(t, RoleAdmin, got.Role)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(HeaderTenantID, "tenant-a")
		req.Header.Set(HeaderUserID, "u-1")
		req.Header.Set(HeaderUserName, "Ada")
		req.Header.Set(HeaderUserRole, "Admin")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing role header defaults to user", func(t *testing.T) {
		m := NewAuthMiddleware(nil, true, logger)

		handler := m.RequireAuth(okHandler(func(got *Identity) {
			assert.Equal(t, RoleUser, got.Role)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(HeaderTenantID, "tenant-a")
		req.Header.Set(HeaderUserID, "u-1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("gateway headers ignored when not trusted", func(t *testing.T) {
		m := NewAuthMiddleware(nil, false, logger)

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(HeaderTenantID, "tenant-a")
		req.Header.Set(HeaderUserID, "u-1")
		w := httptest.NewRecorder()
		m.RequireAuth(mustNotRun(t)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid gateway headers", func(t *testing.T) {
		tests := []struct {
			name    string
			headers map[string]string
		}{
			{"bad tenant", map[string]string{HeaderTenantID: "tenant a", HeaderUserID: "u-1"}},
			{"missing user", map[string]string{HeaderTenantID: "tenant-a"}},
			{"unknown role", map[string]string{HeaderTenantID: "tenant-a", HeaderUserID: "u-1", HeaderUserRole: "root"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				m := NewAuthMiddleware(nil, true, logger)

				req := httptest.NewRequest(http.MethodGet, "/test", nil)
				for k, v := range tt.headers {
					req.Header.Set(k, v)
				}
				w := httptest.NewRecorder()
				m.RequireAuth(mustNotRun(t)).ServeHTTP(w, req)

				assert.Equal(t, http.StatusUnauthorized, w.Code)
			})
		}
	})

	t.Run("no credentials returns 401", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		m := NewAuthMiddleware(mockValidator, true, logger)

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "InvalidFormat")
		w := httptest.NewRecorder()
		m.RequireAuth(mustNotRun(t)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		mockValidator.AssertNotCalled(t, "ValidateToken")
	})
}

func TestRequireRole(t *testing.T) {
	m := NewAuthMiddleware(nil, true, zap.NewNop())

	tests := []struct {
		name     string
		identity *Identity
		roles    []string
		want     int
	}{
		{"matching role", &Identity{TenantID: "t", UserID: "u", Role: RoleAuditor}, []string{RoleAuditor}, http.StatusOK},
		{"one of several", &Identity{TenantID: "t", UserID: "u", Role: RoleUser}, []string{RoleAuditor, RoleUser}, http.StatusOK},
		{"admin passes everything", &Identity{TenantID: "t", UserID: "u", Role: RoleAdmin}, []string{RoleAuditor}, http.StatusOK},
		{"wrong role", &Identity{TenantID: "t", UserID: "u", Role: RoleUser}, []string{RoleAuditor}, http.StatusForbidden},
		{"no identity", nil, []string{RoleUser}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.identity != nil {
				req = req.WithContext(WithIdentity(req.Context(), tt.identity))
			}
			w := httptest.NewRecorder()
			m.RequireRole(tt.roles...)(okHandler(nil)).ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestTenantScope(t *testing.T) {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			identity := &Identity{TenantID: "tenant-a", UserID: "u-1", Role: RoleAuditor}
			next.ServeHTTP(w, req.WithContext(WithIdentity(req.Context(), identity)))
		})
	})
	// inline so URL params are resolved before the check
	scoped := r.With(TenantScope(zap.NewNop()))
	scoped.Get("/events", okHandler(nil).ServeHTTP)
	scoped.Get("/tenants/{tenantID}/events", okHandler(nil).ServeHTTP)

	tests := []struct {
		path string
		want int
	}{
		{"/events", http.StatusOK},
		{"/events?tenant_id=tenant-a", http.StatusOK},
		{"/events?tenant_id=tenant-b", http.StatusForbidden},
		{"/tenants/tenant-a/events", http.StatusOK},
		{"/tenants/tenant-b/events", http.StatusForbidden},
		{"/tenants/tenant-a/events?tenant_id=tenant-b", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHMACTokenValidator(t *testing.T) {
	v, err := NewHMACTokenValidator("s3cret")
	require.NoError(t, err)

	identity := Identity{TenantID: "tenant-a", UserID: "u-1", UserName: "Ada", Role: RoleAuditor}

	t.Run("round trip", func(t *testing.T) {
		token, err := v.Sign(identity, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
		require.NoError(t, err)

		got, err := v.ValidateToken(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, identity, *got)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := v.Sign(identity, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
		require.NoError(t, err)

		_, err = v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewHMACTokenValidator("other")
		require.NoError(t, err)
		token, err := other.Sign(identity, jwt.RegisteredClaims{})
		require.NoError(t, err)

		_, err = v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm rejected", func(t *testing.T) {
		claims := TokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
			TenantID:         "tenant-a",
			Role:             RoleAdmin,
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing claims", func(t *testing.T) {
		token, err := v.Sign(Identity{UserID: "u-1", Role: RoleUser}, jwt.RegisteredClaims{})
		require.NoError(t, err)
		_, err = v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrMissingClaim)

		token, err = v.Sign(Identity{TenantID: "tenant-a", UserID: "u-1", Role: "root"}, jwt.RegisteredClaims{})
		require.NoError(t, err)
		_, err = v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("empty secret", func(t *testing.T) {
		_, err := NewHMACTokenValidator("")
		assert.Error(t, err)
	})
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := chimw.RequestID(RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/api/v1/events", fields["path"])
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, "req-1", fields["request_id"])
}

func TestIdentity_HasAnyRole(t *testing.T) {
	var nilIdentity *Identity
	assert.False(t, nilIdentity.HasAnyRole(RoleUser))
	assert.True(t, (&Identity{Role: RoleAdmin}).HasAnyRole())
	assert.False(t, (&Identity{Role: RoleUser}).HasAnyRole())
}
