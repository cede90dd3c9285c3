// Package api is the HTTP surface of the gateway: request decoding, identity
// and rate-limit middleware, NDJSON streaming, and the health, metrics, and
// debug endpoints. All orchestration semantics live below in the core.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/observability"
	"github.com/ocx/gateway/internal/ratelimit"
)

// Gateway is the orchestration core the HTTP layer fronts.
type Gateway interface {
	Handle(ctx context.Context, req *core.Request) (*core.Response, error)
	Stream(ctx context.Context, req *core.Request, emit func(core.Chunk) error) (*core.Response, error)
	Ready() bool
}

// StatsSource exposes one component's Stats() map on the admin surface.
type StatsSource func() map[string]interface{}

// Server wires handlers and middleware onto a gorilla/mux router.
type Server struct {
	orch     Gateway
	limiter  *ratelimit.Limiter
	streamer *observability.EventStreamer
	metrics  *observability.Metrics
	stats    map[string]StatsSource
	logger   *slog.Logger

	httpSrv *http.Server
}

// NewServer builds the HTTP server. statsSources keys become sections of
// GET /admin/stats.
func NewServer(addr string, orch Gateway, limiter *ratelimit.Limiter,
	streamer *observability.EventStreamer, metrics *observability.Metrics,
	stats map[string]StatsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orch:     orch,
		limiter:  limiter,
		streamer: streamer,
		metrics:  metrics,
		stats:    stats,
		logger:   logger.With("component", "api"),
	}
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
		// Streaming responses rule out a global write timeout; reads stay
		// bounded.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles all routes. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.withRecovery, s.withCORS, s.withCorrelationID, s.withIdentity)

	// Serving endpoints sit behind the rate limiter; operational ones do not.
	serve := r.PathPrefix("").Subrouter()
	serve.Use(s.withRateLimit)
	serve.HandleFunc("/chat/complete", s.handleChatComplete).Methods(http.MethodPost)
	serve.HandleFunc("/chat/stream", s.handleChatStream).Methods(http.MethodPost)
	serve.HandleFunc("/search/basic", s.handleSearch).Methods(http.MethodPost)
	serve.HandleFunc("/research/deep-dive", s.handleResearch).Methods(http.MethodPost)

	r.HandleFunc("/health/live", s.handleHealthLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleHealthReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/admin/stats", s.handleStats).Methods(http.MethodGet)
	if s.streamer != nil {
		r.HandleFunc("/debug/events", s.streamer.HandleWebSocket)
	}
	return r
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
