package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/audit-pipeline/app"
	"github.com/upb/audit-pipeline/config"
	"github.com/upb/audit-pipeline/internal/observability"
	"github.com/upb/audit-pipeline/middleware"
	"github.com/upb/audit-pipeline/models"
	"github.com/upb/audit-pipeline/repositories"
	"github.com/upb/audit-pipeline/services"
	"github.com/upb/audit-pipeline/services/broadcast"
	"github.com/upb/audit-pipeline/services/indexer"
	"github.com/upb/audit-pipeline/services/ingest"
	"github.com/upb/audit-pipeline/services/queue"
	"github.com/upb/audit-pipeline/services/search"
	"go.uber.org/zap"
)

// eventStore keeps events in memory, ordered by insertion
type eventStore struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (s *eventStore) Append(ctx context.Context, event *models.AuditEvent) (*models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *event
	s.events = append(s.events, &stored)
	return &stored, nil
}

func (s *eventStore) Query(ctx context.Context, tenantID string, filter repositories.EventFilter, page repositories.Page) (*repositories.EventPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &repositories.EventPage{Events: []*models.AuditEvent{}}
	for _, e := range s.events {
		if e.TenantID == tenantID && (filter.Action == "" || e.Action == filter.Action) {
			out.Events = append(out.Events, e)
		}
	}
	return out, nil
}

func (s *eventStore) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == id && e.TenantID == tenantID {
			return e, nil
		}
	}
	return nil, services.ErrEventNotFound
}

func (s *eventStore) Count(ctx context.Context, tenantID string, filter repositories.EventFilter) (int64, error) {
	page, _ := s.Query(ctx, tenantID, filter, repositories.Page{})
	return int64(len(page.Events)), nil
}

func newTestRouter(t *testing.T) (http.Handler, *app.Dependencies) {
	t.Helper()
	logger := zap.NewNop()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store := &eventStore{}
	q := queue.NewMemoryQueue(queue.DefaultConfig(), logger, metrics)
	backend := search.NewMemoryBackend()
	hub := broadcast.NewHub(broadcast.DefaultConfig(), metrics, logger)
	t.Cleanup(hub.Close)

	deps := &app.Dependencies{
		Config: &config.Config{
			Environment:   "test",
			Ingest:        config.IngestConfig{MaxPayloadBytes: 1024},
			Observability: config.ObservabilityConfig{MetricsEnabled: true},
		},
		Logger:         logger,
		Registry:       registry,
		Metrics:        metrics,
		Repos:          &repositories.Repositories{Events: store},
		Queue:          q,
		Search:         backend,
		Hub:            hub,
		Coordinator:    ingest.NewCoordinator(store, q, hub, metrics, logger, ingest.Config{}),
		Indexer:        indexer.New(store, q, backend, metrics, logger, indexer.Config{}),
		AuthMiddleware: middleware.NewAuthMiddleware(nil, true, logger),
	}

	return SetupRoutes(deps), deps
}

func request(method, target, body, tenantID, role string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if tenantID != "" {
		req.Header.Set(middleware.HeaderTenantID, tenantID)
		req.Header.Set(middleware.HeaderUserID, "user-1")
		req.Header.Set(middleware.HeaderUserRole, role)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPublicRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name     string
		path     string
		status   int
		contains string
	}{
		{"liveness", "/healthz", http.StatusOK, "healthy"},
		{"readiness", "/readyz", http.StatusOK, "healthy"},
		{"status", "/api/v1/status", http.StatusOK, "components"},
		{"metrics", "/metrics", http.StatusOK, "audit_broadcast_subscriptions"},
		{"unknown route", "/api/v1/nope", http.StatusNotFound, "endpoint not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.contains)
		})
	}
}

func TestEventRoutes_RoleAndTenantEnforcement(t *testing.T) {
	router, _ := newTestRouter(t)

	w := serve(router, request(http.MethodPost, "/api/v1/events", `{"action":"user.login"}`, "acme", middleware.RoleUser))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Data models.AuditEvent `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.Equal(t, "acme", created.Data.TenantID)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"auditor reads", request(http.MethodGet, "/api/v1/events", "", "acme", middleware.RoleAuditor), http.StatusOK},
		{"admin reads", request(http.MethodGet, "/api/v1/events/count", "", "acme", middleware.RoleAdmin), http.StatusOK},
		{"auditor gets by id", request(http.MethodGet, "/api/v1/events/"+created.Data.ID.String(), "", "acme", middleware.RoleAuditor), http.StatusOK},
		{"other tenant cannot see it", request(http.MethodGet, "/api/v1/events/"+created.Data.ID.String(), "", "globex", middleware.RoleAuditor), http.StatusNotFound},
		{"user cannot read", request(http.MethodGet, "/api/v1/events", "", "acme", middleware.RoleUser), http.StatusForbidden},
		{"auditor cannot submit", request(http.MethodPost, "/api/v1/events", `{"action":"x"}`, "acme", middleware.RoleAuditor), http.StatusForbidden},
		{"foreign tenant in query", request(http.MethodGet, "/api/v1/events?tenant_id=globex", "", "acme", middleware.RoleAuditor), http.StatusForbidden},
		{"anonymous", request(http.MethodGet, "/api/v1/events", "", "", ""), http.StatusUnauthorized},
		{"anonymous stream", request(http.MethodGet, "/api/v1/stream", "", "", ""), http.StatusUnauthorized},
		{"search", request(http.MethodGet, "/api/v1/search?q=login", "", "acme", middleware.RoleAuditor), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, tt.req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestEventRoutes_SubmitReachesSearch(t *testing.T) {
	router, deps := newTestRouter(t)
	require.NoError(t, deps.Coordinator.Start())
	require.NoError(t, deps.Indexer.Start(context.Background()))
	t.Cleanup(func() {
		_ = deps.Coordinator.Stop(time.Second)
		_ = deps.Indexer.Stop(time.Second)
	})

	w := serve(router, request(http.MethodPost, "/api/v1/events",
		`{"action":"document.shared","message":"Quarterly report shared"}`, "acme", middleware.RoleUser))
	require.Equal(t, http.StatusCreated, w.Code)

	assert.Eventually(t, func() bool {
		w := serve(router, request(http.MethodGet, "/api/v1/search?q=quarterly", "", "acme", middleware.RoleAuditor))
		var result struct {
			Data search.Result `json:"data"`
		}
		return w.Code == http.StatusOK &&
			json.NewDecoder(w.Body).Decode(&result) == nil &&
			result.Data.Total == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", middleware.HeaderTenantID)

	w := serve(router, req)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestMethodNotAllowed(t *testing.T) {
	router, _ := newTestRouter(t)

	w := serve(router, httptest.NewRequest(http.MethodDelete, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, w.Body.String(), "method not allowed")
}
