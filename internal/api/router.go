package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// buildRouter mounts the v1 API, the websocket endpoint and, when
// configured, the metrics handler.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.withRequestID, s.withAccessLog, s.withRecovery, s.withCORS, withBodyLimit)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed")
	})

	if s.metrics != nil {
		r.Handle(s.metricsPath, s.metrics)
	}
	r.Get(s.wsCfg.Path, s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/journal", s.handleListJournal)

		r.Route("/properties", func(r chi.Router) {
			r.Get("/", s.handleListProperties)

			r.Route("/{property}", func(r chi.Router) {
				r.Get("/", s.handleGetProperty)
				r.Post("/query", s.handleQueryProperty)
				r.Post("/apply", s.handleApplyProperty)
			})
		})
	})

	return r
}

// handleHealth reports liveness plus the receiver link state. It answers 200
// while the receiver is away, with status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.connected() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"version":            s.version,
		"site":               s.site,
		"receiver_connected": s.connected(),
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"websocket_clients":  s.hub.ClientCount(),
	})
}
