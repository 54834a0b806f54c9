package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/upb/audit-pipeline/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// CheckFunc reports whether one dependency is usable
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name  string
	check CheckFunc
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db     *sql.DB
	checks []namedCheck
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(db *sql.DB, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		logger: logger,
	}
}

// WithCheck adds a readiness check besides the database
func (h *HealthHandler) WithCheck(name string, check CheckFunc) *HealthHandler {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
	return h
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Readiness check - validates that all dependencies are available
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	} else {
		checks["database"] = "healthy"
	}

	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			h.logger.Warn("dependency health check failed",
				zap.String("check", c.name),
				zap.Error(err))
			checks[c.name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[c.name] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil // No database configured
	}

	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return err
	}

	return nil
}

// StatsFunc returns a point-in-time snapshot of one component
type StatsFunc func() interface{}

// StatusHandler reports version, environment and component statistics
type StatusHandler struct {
	version     string
	environment string
	components  map[string]StatsFunc
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(version, environment string, components map[string]StatsFunc) *StatusHandler {
	return &StatusHandler{
		version:     version,
		environment: environment,
		components:  components,
	}
}

// HandleStatus handles GET /api/v1/status
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]interface{}, len(h.components))
	for name, stats := range h.components {
		components[name] = stats()
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"version":     h.version,
		"environment": h.environment,
		"components":  components,
	})
}
