package routes

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/audit-pipeline/app"
	"github.com/upb/audit-pipeline/handlers"
	"github.com/upb/audit-pipeline/middleware"
	"github.com/upb/audit-pipeline/utils"
)

// Version is reported by /api/v1/status. Overridden at build time with -ldflags.
var Version = "dev"

// requestTimeout bounds every route except the live stream
const requestTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	logger := deps.Logger

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger.Named("http")))
	r.Use(chimw.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "https://*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			middleware.HeaderTenantID, middleware.HeaderUserID,
			middleware.HeaderUserName, middleware.HeaderUserRole,
		},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	var db *sql.DB
	if deps.DB != nil {
		db = deps.DB.DB
	}
	health := handlers.NewHealthHandler(db, logger)
	for name, check := range deps.HealthChecks() {
		health.WithCheck(name, handlers.CheckFunc(check))
	}

	components := make(map[string]handlers.StatsFunc)
	for name, stats := range deps.ComponentStats() {
		components[name] = handlers.StatsFunc(stats)
	}
	status := handlers.NewStatusHandler(Version, deps.Config.Environment, components)

	events := handlers.NewEventHandler(deps.Coordinator, deps.Repos.Events, deps.Config.Ingest.MaxPayloadBytes, logger)
	searches := handlers.NewSearchHandler(deps.Search, logger)
	stream := handlers.NewStreamHandler(deps.Hub, handlers.DefaultStreamConfig(), logger.Named("stream"))

	auth := deps.AuthMiddleware
	scope := middleware.TenantScope(logger)
	writers := auth.RequireRole(middleware.RoleUser)
	readers := auth.RequireRole(middleware.RoleAuditor)

	timeout := chimw.Timeout(requestTimeout)

	// Health check endpoints
	r.Group(func(r chi.Router) {
		r.Use(timeout)
		r.Get("/healthz", health.HandleHealth)
		r.Get("/readyz", health.HandleReadiness)

		if deps.Config.Observability.MetricsEnabled {
			r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
		}
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.With(timeout).Get("/status", status.HandleStatus)

		// Audit events (require authentication)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)

			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.With(writers, scope).Post("/events", events.HandleSubmit)
				r.With(readers, scope).Get("/events", events.HandleQuery)
				r.With(readers, scope).Get("/events/count", events.HandleCount)
				r.With(readers, scope).Get("/events/{id}", events.HandleGet)
				r.With(readers, scope).Get("/search", searches.HandleSearch)
			})

			// Long-lived WebSocket, outside the request timeout
			r.With(readers, scope).Get("/stream", stream.HandleStream)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
