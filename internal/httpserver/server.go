// Package httpserver exposes the relay over HTTP: the signaling WebSocket,
// health endpoints and the metrics scrape handler.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/pairlink/call-signaling/internal/auth"
	"github.com/pairlink/call-signaling/internal/config"
	"github.com/pairlink/call-signaling/internal/metrics"
	"github.com/pairlink/call-signaling/internal/relay"
)

var ErrServerClosed = http.ErrServerClosed

type Server struct {
	log      zerolog.Logger
	cfg      config.Config
	metrics  *metrics.Metrics
	relay    *relay.Relay
	verifier auth.Verifier

	ready atomic.Bool

	srv *http.Server
}

func New(cfg config.Config, log zerolog.Logger, m *metrics.Metrics, rly *relay.Relay, verifier auth.Verifier) *Server {
	s := &Server{
		log:      log.With().Str("component", "httpserver").Logger(),
		cfg:      cfg,
		metrics:  m,
		relay:    rly,
		verifier: verifier,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.PrometheusHandler(m))
	r.Get("/ws", s.handleWS)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests that mount the server in-process.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info().Str("addr", l.Addr().String()).Msg("http server serving")
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ready":false}`))
		return
	}
	_, _ = w.Write([]byte(`{"ready":true}`))
}
