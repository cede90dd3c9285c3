// Package observability carries the gateway's Prometheus metrics, the
// per-request event timeline, and the live event stream over WebSocket.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec

	// Cache metrics
	CacheLookups   *prometheus.CounterVec
	CacheEvictions prometheus.Counter

	// Router metrics
	RouteSelections *prometheus.CounterVec
	RouteRewards    *prometheus.HistogramVec

	// Backend metrics
	BackendCalls     *prometheus.CounterVec
	BackendDuration  *prometheus.HistogramVec
	BackendQueueWait prometheus.Histogram
	TokensGenerated  prometheus.Counter

	// Admission metrics
	RateLimited    *prometheus.CounterVec
	BudgetRejected prometheus.Counter

	// Streaming metrics
	StreamChunks prometheus.Counter
}

// NewMetrics creates and registers all gateway metrics. A nil registerer
// uses the process-wide default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total requests served by task type and outcome",
			},
			[]string{"task", "outcome"}, // outcome: ok, error, cancelled
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"task"},
		),

		RequestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_request_errors_total",
				Help: "Request failures by error kind",
			},
			[]string{"kind"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_lookups_total",
				Help: "Cache lookups by tier and result",
			},
			[]string{"tier", "result"}, // tier: l1, l2; result: hit, miss, error
		),

		CacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_cache_evictions_total",
				Help: "L1 entries evicted to honor capacity bounds",
			},
		),

		RouteSelections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_route_selections_total",
				Help: "Bandit route selections by route and bucket",
			},
			[]string{"route", "bucket", "forced"},
		),

		RouteRewards: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_route_reward",
				Help:    "Reward distribution per route",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"route"},
		),

		BackendCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_backend_calls_total",
				Help: "Inference calls by model and status",
			},
			[]string{"model", "status"}, // status: ok, timeout, error
		),

		BackendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_backend_duration_seconds",
				Help:    "Inference call latency by model",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),

		BackendQueueWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_backend_queue_wait_seconds",
				Help:    "Time spent waiting for a backend slot",
				Buckets: prometheus.DefBuckets,
			},
		),

		TokensGenerated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_tokens_generated_total",
				Help: "Total tokens produced by backends",
			},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Requests rejected by the rate limiter, by tier",
			},
			[]string{"tier"},
		),

		BudgetRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_budget_rejected_total",
				Help: "Requests rejected for exceeding the monthly budget",
			},
		),

		StreamChunks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_stream_chunks_total",
				Help: "Chunks emitted to streaming clients",
			},
		),
	}
}
