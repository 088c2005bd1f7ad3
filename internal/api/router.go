package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each component check in /api/health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/services", func(r chi.Router) {
			r.Get("/getServices", s.handleGetServices)
			r.Get("/getStatus", s.handleGetStatus)
			r.Get("/getService/{id}", s.handleGetService)
			r.Get("/getStatus/{id}", s.handleGetServiceStatus)
			r.Get("/events/{id}", s.handleListEvents)
			r.Post("/start/{id}", s.handleStart)
			r.Post("/stop/{id}", s.handleStop)
			r.Post("/restart/{id}", s.handleRestart)
		})
	})

	return r
}

// handleHealth returns the server health status. A failing optional
// component makes the status "degraded" but still answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	components := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.HealthCheck(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    s.version,
		"services":   len(s.services.ListDescriptors()),
		"components": components,
	})
}
