package router

import (
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/fault"
)

// estTokensPerRequest is the planning estimate used for cost filtering and
// reservation before any backend call has run.
const estTokensPerRequest = 800

// RewardWeights mixes the outcome signals into one reward in [0,1].
type RewardWeights struct {
	Success float64
	Latency float64
	Cost    float64
}

// DefaultRewardWeights favor correctness over speed over spend.
func DefaultRewardWeights() RewardWeights {
	return RewardWeights{Success: 0.5, Latency: 0.3, Cost: 0.2}
}

// Config tunes selection and reward computation.
type Config struct {
	// Utility coefficients: u = p*WQuality - CCost*estCost - CLatency*estLat.
	WQuality float64
	CCost    float64
	CLatency float64

	Rewards       RewardWeights
	ShadowRate    float64
	TargetLatency time.Duration
}

// DefaultConfig returns the coefficients the gateway ships with.
func DefaultConfig() Config {
	return Config{
		WQuality:      1.0,
		CCost:         0.1,
		CLatency:      0.05,
		Rewards:       DefaultRewardWeights(),
		ShadowRate:    0,
		TargetLatency: 5 * time.Second,
	}
}

// Decision is one committed-or-abandoned route selection. Its ID doubles as
// the bandit outcome event id, making reward delivery idempotent.
type Decision struct {
	ID     string
	Route  core.Route
	Bucket Bucket
	Sample float64
	Forced bool
	// Chain is the route plus its fallbacks; the executor walks it on
	// backend timeout or error, each entry at most once.
	Chain []core.Route
}

// Outcome describes how the request the decision served actually went.
type Outcome struct {
	Success bool
	Latency time.Duration
	Cost    float64
	// CostCeiling is the request's max_cost constraint; zero means none.
	CostCeiling float64
	// Thumbs is optional explicit feedback: -1, 0, +1.
	Thumbs int
}

// Router runs the Thompson-sampling selection loop over the catalog.
type Router struct {
	catalog *Catalog
	bandit  *Bandit
	cfg     Config
	logger  *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New wires a router over the given catalog and bandit.
func New(catalog *Catalog, bandit *Bandit, cfg Config, logger *slog.Logger) *Router {
	if cfg.WQuality == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		catalog: catalog,
		bandit:  bandit,
		cfg:     cfg,
		logger:  logger.With("component", "router"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// estCost is the planning cost estimate for one request on a route.
func estCost(r core.Route) float64 {
	return r.CostPer1K * estTokensPerRequest / 1000
}

// candidates filters the catalog by the request's hard constraints.
func (rt *Router) candidates(c core.Constraints) []core.Route {
	var out []core.Route
	for _, r := range rt.catalog.Routes() {
		if c.MaxCost > 0 && estCost(r) > c.MaxCost {
			continue
		}
		if c.Quality != "" && r.Quality.Rank() < c.Quality.Rank() {
			continue
		}
		if c.MaxLatencyMS > 0 && r.LatencyClass.ApproxMillis() > c.MaxLatencyMS {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Select picks a route for the bucket under the request's constraints.
// Selection order: filter, sample every candidate arm, pick the best utility,
// unless the exploration floor forces a stale arm first.
func (rt *Router) Select(bucket Bucket, constraints core.Constraints) (*Decision, error) {
	cands := rt.candidates(constraints)
	if len(cands) == 0 {
		return nil, fault.New(fault.KindValidation, "no route satisfies the request constraints")
	}

	names := make([]string, len(cands))
	for i, r := range cands {
		names[i] = r.Name
	}

	var chosen core.Route
	var chosenSample float64
	forced := false

	if stale := rt.bandit.staleCandidate(bucket, names); stale != "" {
		if r, ok := rt.catalog.Lookup(stale); ok {
			chosen = r
			chosenSample = rt.bandit.Sample(stale, bucket)
			forced = true
		}
	}

	if !forced {
		// Utilities go arbitrarily negative for slow or expensive routes, so
		// the starting point must be below any reachable value.
		best := math.Inf(-1)
		for _, r := range cands {
			p := rt.bandit.Sample(r.Name, bucket)
			u := p*rt.cfg.WQuality -
				rt.cfg.CCost*estCost(r) -
				rt.cfg.CLatency*float64(r.LatencyClass.ApproxMillis())/1000
			if u > best {
				best, chosen, chosenSample = u, r, p
			}
		}
	}

	rt.bandit.noteDecision(chosen.Name, bucket)
	rt.maybeShadow(bucket, cands, chosen.Name)

	d := &Decision{
		ID:     uuid.New().String(),
		Route:  chosen,
		Bucket: bucket,
		Sample: chosenSample,
		Forced: forced,
		Chain:  rt.chainWithin(chosen, cands),
	}
	rt.logger.Debug("route selected",
		"decision", d.ID, "route", chosen.Name, "bucket", bucket.String(),
		"sample", chosenSample, "forced", forced)
	return d, nil
}

// chainWithin resolves the fallback chain but keeps only entries that also
// satisfy the request constraints, so a fallback never violates a hard limit
// the primary respected.
func (rt *Router) chainWithin(chosen core.Route, cands []core.Route) []core.Route {
	allowed := make(map[string]bool, len(cands))
	for _, r := range cands {
		allowed[r.Name] = true
	}
	var chain []core.Route
	for _, r := range rt.catalog.Chain(chosen.Name) {
		if allowed[r.Name] {
			chain = append(chain, r)
		}
	}
	return chain
}

// maybeShadow evaluates the greedy posterior-mean policy in dry-run with
// probability ShadowRate. Log only; production selection is untouched.
func (rt *Router) maybeShadow(bucket Bucket, cands []core.Route, productionPick string) {
	if rt.cfg.ShadowRate <= 0 {
		return
	}
	rt.rngMu.Lock()
	roll := rt.rng.Float64()
	rt.rngMu.Unlock()
	if roll >= rt.cfg.ShadowRate {
		return
	}

	best := -1.0
	pick := ""
	for _, r := range cands {
		m := rt.bandit.Mean(r.Name, bucket)
		if m > best {
			best, pick = m, r.Name
		}
	}
	rt.logger.Info("shadow policy evaluated",
		"bucket", bucket.String(),
		"shadow_pick", pick, "shadow_mean", best,
		"production_pick", productionPick,
		"agrees", pick == productionPick)
}

// Estimate returns the planning cost for admission control: the most
// expensive candidate the constraints admit, so the budget reservation is
// never smaller than what selection could actually pick.
func (rt *Router) Estimate(c core.Constraints) float64 {
	worst := 0.0
	for _, r := range rt.candidates(c) {
		if ec := estCost(r); ec > worst {
			worst = ec
		}
	}
	return worst
}

// Reward converts an outcome into r in [0,1].
func (rt *Router) Reward(o Outcome) float64 {
	w := rt.cfg.Rewards

	success := 0.0
	if o.Success {
		success = 1.0
	}

	latency := 0.0
	if o.Success && rt.cfg.TargetLatency > 0 {
		if o.Latency <= rt.cfg.TargetLatency {
			latency = 1.0
		} else {
			latency = float64(rt.cfg.TargetLatency) / float64(o.Latency)
		}
	}

	cost := 0.0
	if o.Success {
		cost = 1.0
		if o.CostCeiling > 0 && o.Cost > 0 {
			cost = 1 - o.Cost/o.CostCeiling
			if cost < 0 {
				cost = 0
			}
		}
	}

	r := w.Success*success + w.Latency*latency + w.Cost*cost
	total := w.Success + w.Latency + w.Cost
	if total > 0 {
		r /= total
	}

	// Explicit feedback nudges the reward without dominating it.
	if o.Thumbs > 0 {
		r = r + (1-r)*0.25
	} else if o.Thumbs < 0 {
		r *= 0.75
	}
	return r
}

// Commit delivers the outcome's reward to the decision's arm. Safe to call
// more than once for the same decision.
func (rt *Router) Commit(d *Decision, o Outcome) {
	r := rt.Reward(o)
	rt.bandit.Update(d.ID, d.Route.Name, d.Bucket, r)
	rt.logger.Debug("decision committed",
		"decision", d.ID, "route", d.Route.Name, "reward", r)
}

// Abandon closes a decision without a bandit update (client cancelled).
func (rt *Router) Abandon(d *Decision) {
	rt.logger.Debug("decision abandoned", "decision", d.ID, "route", d.Route.Name)
}

// Stats exposes the bandit state for the admin surface.
func (rt *Router) Stats() map[string]interface{} {
	return map[string]interface{}{
		"bandit": rt.bandit.Stats(),
		"arms":   rt.bandit.Snapshot(),
		"routes": len(rt.catalog.routes),
	}
}
