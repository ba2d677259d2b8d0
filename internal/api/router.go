package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-link/internal/auth"
)

// healthCheckTimeout bounds each component check on /health.
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

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	// RPC over WebSocket (auth via ticket or bearer token, checked in handler)
	r.Get(s.wsCfg.Path, s.handleRPC)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(requirePermission(auth.PermRPCConnect)).Post("/rpc/ticket", s.handleRPCTicket)
			r.With(requirePermission(auth.PermMetricsRead)).Get("/metrics", s.handleMetrics)
			r.With(requirePermission(auth.PermHistoryRead)).Get("/history", s.handleListHistory)

			r.Route("/devices", func(r chi.Router) {
				r.With(requirePermission(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(requirePermission(auth.PermDeviceRead)).Get("/{id}", s.handleGetDevice)
				r.With(requirePermission(auth.PermDeviceClose)).Delete("/{id}", s.handleCloseDevice)
			})

			r.With(requirePermission(auth.PermDeviceRead)).Get("/methods", s.handleListMethods)
		})
	})

	return r
}

// handleHealth reports server status plus any configured components.
// A failing component turns the response into 503 "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, checker := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := checker.HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        s.version,
		"node":           s.registry.Name(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"devices":        s.registry.Count(),
		"registered":     s.registry.CountRegistered(),
		"components":     components,
	})
}

// handleMetrics serves the Prometheus exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeUnavailable(w, "metrics not configured")
		return
	}
	s.metrics.ServeHTTP(w, r)
}

// handleListMethods returns the names in the dispatch table.
func (s *Server) handleListMethods(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"methods": s.registry.Methods(),
	})
}
