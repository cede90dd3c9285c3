// Package orchestrator glues the gateway's core together: admission (rate
// limits happen at the HTTP layer; backpressure and budgets here), graph
// selection, execution, and the reward commit that teaches the router.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/gateway/internal/backend"
	"github.com/ocx/gateway/internal/budget"
	"github.com/ocx/gateway/internal/cache"
	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/fault"
	"github.com/ocx/gateway/internal/observability"
	"github.com/ocx/gateway/internal/router"
	"github.com/ocx/gateway/internal/search"
	"github.com/ocx/gateway/internal/workflow"
)

// Options tunes orchestration behavior.
type Options struct {
	// QueueHighWatermark is the pool queue depth beyond which new requests
	// are rejected OVERLOADED instead of queueing unboundedly.
	QueueHighWatermark int
	FallbackModel      string
	StreamMinInterval  time.Duration
}

// Orchestrator serves one request end to end.
type Orchestrator struct {
	opts     Options
	ledger   *budget.Ledger
	router   *router.Router
	pool     *backend.Pool
	executor *workflow.Executor
	metrics  *observability.Metrics
	timeline *observability.Timeline
	logger   *slog.Logger

	graphs map[core.TaskType]*workflow.Graph
}

// New wires the orchestrator and declares the three task graphs.
func New(opts Options, ledger *budget.Ledger, rt *router.Router, pool *backend.Pool,
	tiered *cache.Tiered, agg *search.Aggregator, metrics *observability.Metrics,
	timeline *observability.Timeline, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueHighWatermark <= 0 {
		opts.QueueHighWatermark = 32
	}

	nodes := NewNodes(tiered, rt, pool, agg, metrics, logger, opts.FallbackModel, opts.StreamMinInterval)

	o := &Orchestrator{
		opts:     opts,
		ledger:   ledger,
		router:   rt,
		pool:     pool,
		executor: workflow.NewExecutor(logger, timeline),
		metrics:  metrics,
		timeline: timeline,
		logger:   logger.With("component", "orchestrator"),
		graphs: map[core.TaskType]*workflow.Graph{
			core.TaskChat:     BuildChatGraph(nodes),
			core.TaskSearch:   BuildSearchGraph(nodes),
			core.TaskResearch: BuildResearchGraph(nodes),
		},
	}

	// Graphs compile eagerly so a declaration mistake fails at startup, not
	// on the first request.
	for task, g := range o.graphs {
		if err := g.Compile(); err != nil {
			o.logger.Error("graph failed to compile", "task", task, "error", err)
		}
	}
	return o
}

// Handle serves one buffered request.
func (o *Orchestrator) Handle(ctx context.Context, req *core.Request) (*core.Response, error) {
	return o.run(ctx, req, nil)
}

// Stream serves one streaming request, emitting chunks through emit in
// producer order. The returned response is the final summary.
func (o *Orchestrator) Stream(ctx context.Context, req *core.Request, emit func(core.Chunk) error) (*core.Response, error) {
	req.Stream = true
	return o.run(ctx, req, emit)
}

func (o *Orchestrator) run(ctx context.Context, req *core.Request, emit func(core.Chunk) error) (*core.Response, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err)
	}
	g, ok := o.graphs[req.TaskType]
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "no graph for task %q", req.TaskType)
	}

	// Backpressure: a saturated backend queue means new work would only
	// pile up behind deadlines it cannot meet.
	if depth := o.pool.QueueDepth(); depth >= o.opts.QueueHighWatermark {
		return nil, fault.Newf(fault.KindOverloaded, "backend queue depth %d at high watermark", depth)
	}

	est := o.router.Estimate(req.Constraints)
	if err := o.ledger.Reserve(req.UserID, est); err != nil {
		if o.metrics != nil && fault.IsKind(err, fault.KindBudgetExceeded) {
			o.metrics.BudgetRejected.Inc()
		}
		return nil, err
	}

	if o.timeline != nil {
		o.timeline.Record(req.ID, "admission", string(req.TaskType), map[string]interface{}{
			"user": req.UserID, "tier": string(req.Tier), "stream": emit != nil,
		})
	}

	st := workflow.NewGraphState(req, req.ID, emit)
	err := o.executor.Run(ctx, g, st)
	latency := time.Since(start)

	o.settle(st, err, est, latency)
	o.observe(req, st, err, latency)

	if err != nil {
		return nil, err
	}
	return st.Response(latency), nil
}

// settle reconciles the budget reservation and delivers the bandit reward.
// A cancelled request releases its reservation and never updates an arm.
func (o *Orchestrator) settle(st *workflow.GraphState, err error, est float64, latency time.Duration) {
	req := st.Req

	if fault.IsKind(err, fault.KindCancelled) {
		o.ledger.Release(req.UserID, est)
		if st.Decision != nil {
			o.router.Abandon(st.Decision)
		}
		return
	}

	// Actual spend replaces the reservation, including partial spend on a
	// failed run.
	o.ledger.Commit(req.UserID, est, st.Cost)

	if st.Decision == nil || st.CacheHit {
		return
	}
	outcome := router.Outcome{
		Success:     err == nil && !st.Degraded && (st.Answer != "" || len(st.Results) > 0),
		Latency:     latency,
		Cost:        st.Cost,
		CostCeiling: req.Constraints.MaxCost,
	}
	o.router.Commit(st.Decision, outcome)
	if o.metrics != nil {
		o.metrics.RouteRewards.WithLabelValues(st.Decision.Route.Name).Observe(o.router.Reward(outcome))
	}
}

func (o *Orchestrator) observe(req *core.Request, st *workflow.GraphState, err error, latency time.Duration) {
	outcome := "ok"
	switch {
	case fault.IsKind(err, fault.KindCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}

	if o.metrics != nil {
		o.metrics.RequestsTotal.WithLabelValues(string(req.TaskType), outcome).Inc()
		o.metrics.RequestDuration.WithLabelValues(string(req.TaskType)).Observe(latency.Seconds())
		if err != nil {
			o.metrics.RequestErrors.WithLabelValues(string(fault.KindOf(err))).Inc()
		}
	}
	if o.timeline != nil {
		o.timeline.Record(req.ID, "done", outcome, map[string]interface{}{
			"latency_ms": latency.Milliseconds(),
			"cache_hit":  st.CacheHit,
			"cost":       st.Cost,
			"nodes":      st.NodesVisited,
		})
	}

	if err != nil && outcome == "error" {
		o.logger.Warn("request failed",
			"correlation_id", req.ID, "task", req.TaskType,
			"kind", fault.KindOf(err), "error", err)
	}
}

// Ready reports whether the orchestrator can serve: at least one healthy
// backend endpoint. L2 cache availability deliberately does not gate
// readiness.
func (o *Orchestrator) Ready() bool {
	return o.pool.HealthyCount() >= 1
}
