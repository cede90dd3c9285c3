package api

import (
	"context"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/fault"
)

type ctxKey int

const (
	ctxCorrelationID ctxKey = iota
	ctxIdentity
)

// identity is the caller extracted from headers. Authentication itself is an
// upstream concern; the gateway trusts the forwarded identity headers.
type identity struct {
	UserID string
	Tier   core.Tier
}

func correlationIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxCorrelationID).(string); ok {
		return id
	}
	return ""
}

func identityFrom(ctx context.Context) identity {
	if id, ok := ctx.Value(ctxIdentity).(identity); ok {
		return id
	}
	return identity{UserID: "anonymous", Tier: core.TierAnonymous}
}

// withCorrelationID assigns every request a correlation id, echoed in the
// response header and all logs and metrics downstream.
func (s *Server) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxCorrelationID, id)))
	})
}

// withIdentity resolves the caller: forwarded user headers, or the client IP
// as an anonymous identifier.
func (s *Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity{
			UserID: r.Header.Get("X-User-ID"),
			Tier:   core.ParseTier(r.Header.Get("X-User-Tier")),
		}
		if id.UserID == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			id.UserID = "anon:" + host
			id.Tier = core.TierAnonymous
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxIdentity, id)))
	})
}

// withRateLimit enforces the per-identifier sliding window before any work
// is admitted.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r.Context())
		ok, retryAfter := s.limiter.Allow(id.UserID, id.Tier)
		if !ok {
			if s.metrics != nil {
				s.metrics.RateLimited.WithLabelValues(string(id.Tier)).Inc()
			}
			err := fault.New(fault.KindRateLimited, "per-minute request cap reached")
			err.RetryAfterSeconds = retryAfter
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRecovery converts a handler panic into a safe 500. The stack goes to
// the log keyed by correlation id, never to the client.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked",
					"correlation_id", correlationIDFrom(r.Context()),
					"path", r.URL.Path, "panic", rec)
				s.writeError(w, r, fault.New(fault.KindInternal, "handler panic"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withCORS answers preflight and tags responses for browser clients.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-User-Tier, X-Correlation-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
