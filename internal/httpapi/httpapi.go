// Package httpapi exposes an optional /healthz and /metrics surface for
// long-running deployments; it is never required for a single CLI run.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/polzovatel/accessibility-browser-agent/internal/agent"
)

// Server wraps a chi router serving health and metrics endpoints.
type Server struct {
	router http.Handler
	logger zerolog.Logger
}

// New builds a Server. metrics is called fresh on every /metrics request.
func New(metrics func() agent.AgentMetrics, logger zerolog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		m := metrics()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m)
	})

	return &Server{router: r, logger: logger}
}

// ListenAndServe starts the HTTP surface; it is a thin wrapper so callers
// can run it in a goroutine and shut it down alongside the agent run.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("http surface listening")
	return srv.ListenAndServe()
}

func (s *Server) Handler() http.Handler { return s.router }
