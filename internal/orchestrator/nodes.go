package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/gateway/internal/backend"
	"github.com/ocx/gateway/internal/cache"
	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/fault"
	"github.com/ocx/gateway/internal/fingerprint"
	"github.com/ocx/gateway/internal/observability"
	"github.com/ocx/gateway/internal/router"
	"github.com/ocx/gateway/internal/search"
	"github.com/ocx/gateway/internal/workflow"
)

const (
	maxCriticRounds   = 2
	sessionTTL        = 30 * time.Minute
	sessionHistoryCap = 20
	defaultMaxResults = 10
)

// Nodes binds the workflow node functions to the components they call. One
// value serves all graphs; per-request state stays in the GraphState.
type Nodes struct {
	cache   *cache.Tiered
	router  *router.Router
	pool    *backend.Pool
	search  *search.Aggregator
	metrics *observability.Metrics
	logger  *slog.Logger

	fallbackModel     string
	streamMinInterval time.Duration
}

// NewNodes wires the node set.
func NewNodes(c *cache.Tiered, rt *router.Router, p *backend.Pool, agg *search.Aggregator,
	m *observability.Metrics, logger *slog.Logger, fallbackModel string, streamMinInterval time.Duration) *Nodes {
	if logger == nil {
		logger = slog.Default()
	}
	return &Nodes{
		cache:             c,
		router:            rt,
		pool:              p,
		search:            agg,
		metrics:           m,
		logger:            logger.With("component", "nodes"),
		fallbackModel:     fallbackModel,
		streamMinInterval: streamMinInterval,
	}
}

// cachedPayload is the serialized form of a finished answer in both cache
// tiers. Streaming responses cache only the fully assembled text.
type cachedPayload struct {
	Answer    string              `json:"answer,omitempty"`
	Results   []core.SearchResult `json:"results,omitempty"`
	Citations []string            `json:"citations,omitempty"`
	Tokens    int                 `json:"tokens,omitempty"`
}

// fingerprintFor derives the request's cache/bucket identity. Semantic fields
// are lowercased by the fingerprint package; user text keeps its case.
func fingerprintFor(req *core.Request) string {
	key := fingerprint.Key{
		TaskType:    string(req.TaskType),
		Constraints: map[string]string{},
		RouteClass:  string(req.Constraints.Quality),
	}

	switch req.TaskType {
	case core.TaskSearch:
		key.Parts = []string{req.Query}
		if req.Filters.RecencyDays > 0 {
			key.Constraints["recency_days"] = strconv.Itoa(req.Filters.RecencyDays)
		}
		if len(req.Filters.Sources) > 0 {
			key.Constraints["sources"] = strings.Join(req.Filters.Sources, ",")
		}
		if req.MaxResults > 0 {
			key.Constraints["max_results"] = strconv.Itoa(req.MaxResults)
		}
	case core.TaskResearch:
		key.Parts = []string{req.Question}
		key.Constraints["depth"] = string(req.Depth)
	default:
		parts := make([]string, 0, len(req.History)+1)
		for _, m := range req.History {
			parts = append(parts, m.Role+"\x1f"+m.Text)
		}
		parts = append(parts, "user\x1f"+req.Message)
		key.Parts = parts
	}

	if req.Constraints.MaxCost > 0 {
		key.Constraints["max_cost"] = strconv.FormatFloat(req.Constraints.MaxCost, 'f', -1, 64)
	}
	if req.Constraints.MaxLatencyMS > 0 {
		key.Constraints["max_latency_ms"] = strconv.Itoa(req.Constraints.MaxLatencyMS)
	}
	return fingerprint.Compute(key)
}

func sessionKey(sessionID string) string {
	return fingerprint.Compute(fingerprint.Key{TaskType: "session", Parts: []string{sessionID}})
}

// timeoutClassFor maps the request's bucket to the backend deadline class.
func timeoutClassFor(task core.TaskType, class core.ComplexityClass) backend.TimeoutClass {
	if task == core.TaskResearch {
		return backend.TimeoutResearch
	}
	switch class {
	case core.ComplexityUltraFast:
		return backend.TimeoutSimple
	case core.ComplexityDetailed:
		return backend.TimeoutComplex
	default:
		return backend.TimeoutStandard
	}
}

// Plan classifies the request and derives its fingerprint and bandit bucket.
// For chat it also restores session history when the client sent none.
func (n *Nodes) Plan(ctx context.Context, st *workflow.GraphState) error {
	req := st.Req

	st.Complexity = router.Classify(req.TaskType, req.Text())
	st.Bucket = router.Bucket{Task: req.TaskType, Complexity: st.Complexity}
	// The cache identity covers only what the client sent. Restored session
	// history informs synthesis on a miss but must not fork the key, or two
	// identical calls in one session would never share a cached answer.
	st.Fingerprint = fingerprintFor(req)

	if req.TaskType == core.TaskChat && len(req.History) == 0 && req.SessionID != "" {
		if entry, ok := n.cache.Get(ctx, sessionKey(req.SessionID)); ok {
			var history []core.Message
			if err := json.Unmarshal(entry.Payload, &history); err == nil {
				req.History = history
			}
		}
	}
	return nil
}

// CacheLookup short-circuits the graph on a fingerprint hit.
func (n *Nodes) CacheLookup(ctx context.Context, st *workflow.GraphState) error {
	entry, ok := n.cache.Get(ctx, st.Fingerprint)
	if n.metrics != nil {
		result := "miss"
		if ok {
			result = "hit"
		}
		n.metrics.CacheLookups.WithLabelValues("tiered", result).Inc()
	}
	if !ok {
		return nil
	}

	var payload cachedPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		n.logger.Warn("discarding undecodable cache payload", "key", st.Fingerprint)
		return nil
	}

	st.Answer = payload.Answer
	st.Results = payload.Results
	st.Citations = payload.Citations
	st.CacheHit = true
	return nil
}

// Route asks the bandit for a route under the request's constraints.
func (n *Nodes) Route(ctx context.Context, st *workflow.GraphState) error {
	d, err := n.router.Select(st.Bucket, st.Req.Constraints)
	if err != nil {
		return err
	}
	st.Decision = d
	if n.metrics != nil {
		n.metrics.RouteSelections.WithLabelValues(
			d.Route.Name, d.Bucket.String(), strconv.FormatBool(d.Forced)).Inc()
	}
	return nil
}

// Retrieve fans the query out to the search providers. query may refine the
// request text; siblings in the research graph pass different refinements and
// merge into the shared result set.
func (n *Nodes) Retrieve(queryFor func(*core.Request) string) workflow.NodeFunc {
	return func(ctx context.Context, st *workflow.GraphState) error {
		req := st.Req
		max := req.MaxResults
		if max <= 0 {
			max = defaultMaxResults
		}

		// Pure search coalesces: concurrent identical queries share one
		// provider fan-out through the cache's single-flight path.
		if req.TaskType == core.TaskSearch {
			return n.retrieveShared(ctx, st, queryFor(req), max)
		}

		results, err := n.search.Search(ctx, queryFor(req), req.Filters, max)
		if err != nil {
			// Research tolerates a degraded retrieval; the synthesis still
			// runs on whatever the sibling produced. Pure search does not.
			if req.TaskType == core.TaskResearch {
				n.logger.Warn("retrieval degraded", "error", err)
				return nil
			}
			return err
		}
		st.AddResults(results)
		return nil
	}
}

// retrieveShared runs the provider fan-out behind the single-flight cache
// path so N concurrent identical misses cost one search.
func (n *Nodes) retrieveShared(ctx context.Context, st *workflow.GraphState, query string, max int) error {
	produced := false
	entry, _, err := n.cache.GetOrProduce(ctx, st.Fingerprint, func(ctx context.Context) (*cache.Entry, time.Duration, error) {
		produced = true
		results, err := n.search.Search(ctx, query, st.Req.Filters, max)
		if err != nil {
			return nil, 0, err
		}
		st.AddResults(results)
		payload, err := json.Marshal(cachedPayload{Results: results})
		if err != nil {
			return nil, 0, err
		}
		return &cache.Entry{
			Key:         st.Fingerprint,
			Payload:     payload,
			ContentType: "application/json",
			SourceTag:   "retrieve",
		}, cache.TTLFor(st.Req.TaskType, st.Complexity), nil
	})
	if err != nil {
		return err
	}
	if produced {
		return nil
	}

	// Joined a concurrent caller's search; adopt its results as a hit.
	var payload cachedPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	st.AddResults(payload.Results)
	st.CacheHit = true
	return nil
}

// Synthesize produces the answer. Buffered chat goes through the cache's
// single-flight path so concurrent identical misses share one generation;
// streaming output and the research redraft loop generate per request (a
// redraft would otherwise rejoin its own earlier flight).
func (n *Nodes) Synthesize(ctx context.Context, st *workflow.GraphState) error {
	if st.Decision == nil {
		return fault.New(fault.KindInternal, "synthesize reached without a route decision")
	}
	if st.Req.TaskType == core.TaskChat && !st.Streaming() {
		return n.synthesizeShared(ctx, st)
	}
	return n.synthesizeChain(ctx, st)
}

// synthesizeShared wraps the generation chain in the single-flight read path.
// The closure only runs for the flight leader; joiners adopt its answer.
func (n *Nodes) synthesizeShared(ctx context.Context, st *workflow.GraphState) error {
	produced := false
	entry, _, err := n.cache.GetOrProduce(ctx, st.Fingerprint, func(ctx context.Context) (*cache.Entry, time.Duration, error) {
		produced = true
		if err := n.synthesizeChain(ctx, st); err != nil {
			return nil, 0, err
		}
		payload, err := json.Marshal(cachedPayload{Answer: st.Answer, Tokens: st.TokensUsed})
		if err != nil {
			return nil, 0, err
		}
		return &cache.Entry{
			Key:         st.Fingerprint,
			Payload:     payload,
			ContentType: "application/json",
			SourceTag:   "synthesize",
		}, cache.TTLFor(st.Req.TaskType, st.Complexity), nil
	})
	if err != nil {
		// The leader's client may have hung up mid-flight; a joiner with a
		// live context generates on its own instead of inheriting the cancel.
		if !produced && fault.IsKind(err, fault.KindCancelled) && ctx.Err() == nil {
			return n.synthesizeChain(ctx, st)
		}
		return err
	}
	if produced {
		return nil
	}

	// Joined a concurrent caller's generation; adopt its answer as a hit.
	var payload cachedPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	st.Answer = payload.Answer
	st.CacheHit = true
	return nil
}

// synthesizeChain runs the backend generation, walking the decision's
// fallback chain on timeout or backend error, each entry at most once.
func (n *Nodes) synthesizeChain(ctx context.Context, st *workflow.GraphState) error {
	prompt := buildPrompt(st)
	class := timeoutClassFor(st.Req.TaskType, st.Complexity)

	chain := st.Decision.Chain
	if len(chain) == 0 {
		chain = []core.Route{st.Decision.Route}
	}

	var lastErr error
	for i, route := range chain {
		if i > 0 {
			n.logger.Info("falling back",
				"from", chain[i-1].Name, "to", route.Name, "cause", lastErr)
		}

		streamed, err := n.generate(ctx, st, route, prompt, class)
		if err == nil {
			return nil
		}
		lastErr = err

		if fault.IsKind(err, fault.KindCancelled) {
			return err
		}
		// Only backend-side faults continue down the chain.
		if !fault.IsKind(err, fault.KindBackendTimeout) &&
			!fault.IsKind(err, fault.KindBackendError) &&
			!fault.IsKind(err, fault.KindNoBackend) {
			return err
		}
		// A stream that already emitted chunks cannot be restarted on
		// another route without duplicating output.
		if streamed {
			return err
		}
	}
	return lastErr
}

// generate performs one backend call on one route. It reports whether any
// chunks reached the client before a failure.
func (n *Nodes) generate(ctx context.Context, st *workflow.GraphState, route core.Route, prompt string, class backend.TimeoutClass) (bool, error) {
	var onDelta func(string) error
	var pacer *workflow.Pacer
	emitted := false

	// Stream straight to the client only for the final user-visible pass;
	// critic-driven research re-synthesis stays buffered.
	if st.Streaming() && st.Req.TaskType == core.TaskChat {
		pacer = workflow.NewPacer(func(c core.Chunk) error {
			emitted = true
			if n.metrics != nil {
				n.metrics.StreamChunks.Inc()
			}
			return st.Emit(c)
		}, n.streamMinInterval)
		onDelta = pacer.Push
	}

	started := time.Now()
	inv, err := n.pool.Invoke(ctx, route.Model, prompt, class, onDelta)

	if n.metrics != nil {
		status := "ok"
		switch {
		case fault.IsKind(err, fault.KindBackendTimeout):
			status = "timeout"
		case err != nil:
			status = "error"
		}
		n.metrics.BackendCalls.WithLabelValues(route.Model, status).Inc()
		n.metrics.BackendDuration.WithLabelValues(route.Model).Observe(time.Since(started).Seconds())
	}
	if err != nil {
		return emitted, err
	}
	if pacer != nil {
		if err := pacer.Close(); err != nil {
			return emitted, fault.Wrap(fault.KindCancelled, err)
		}
	}

	st.Answer = inv.Result.Text
	st.AddModel(route.Name)
	st.AddUsage(inv.Result.Tokens, route.CostPer1K*float64(inv.Result.Tokens)/1000)
	if n.metrics != nil {
		n.metrics.TokensGenerated.Add(float64(inv.Result.Tokens))
	}
	return emitted, nil
}

// Critic re-invokes a second, cheaper route to judge the draft. On an
// insufficient verdict the graph loops back to Synthesize within the bounded
// iteration budget; exhaustion marks the answer degraded.
func (n *Nodes) Critic(ctx context.Context, st *workflow.GraphState) error {
	if st.Decision == nil || st.Answer == "" {
		st.CriticVerdict = "sufficient"
		return nil
	}

	route := st.Decision.Route
	if chain := st.Decision.Chain; len(chain) > 1 {
		route = chain[len(chain)-1] // cheapest fallback judges
	}

	prompt := buildCriticPrompt(st)
	inv, err := n.pool.Invoke(ctx, route.Model, prompt, backend.TimeoutStandard, nil)
	if err != nil {
		// A broken critic never blocks the answer.
		n.logger.Warn("critic unavailable, accepting draft", "error", err)
		st.CriticVerdict = "sufficient"
		return nil
	}

	st.AddModel(route.Name)
	st.AddUsage(inv.Result.Tokens, route.CostPer1K*float64(inv.Result.Tokens)/1000)

	st.CriticRounds++
	if strings.Contains(strings.ToLower(inv.Result.Text), "insufficient") {
		st.CriticVerdict = "insufficient"
		if st.CriticRounds >= maxCriticRounds {
			st.Degraded = true
		}
	} else {
		st.CriticVerdict = "sufficient"
	}
	return nil
}

// CacheStore writes the finished answer through both tiers. Cancelled runs,
// cache hits, degraded answers, and empty results are never cached.
func (n *Nodes) CacheStore(ctx context.Context, st *workflow.GraphState) error {
	if ctx.Err() != nil {
		return fault.Wrap(fault.KindCancelled, ctx.Err())
	}
	if st.CacheHit || st.Degraded {
		return nil
	}
	if st.Answer == "" && len(st.Results) == 0 {
		return nil
	}

	payload, err := json.Marshal(cachedPayload{
		Answer:    st.Answer,
		Results:   st.Results,
		Citations: st.Citations,
		Tokens:    st.TokensUsed,
	})
	if err != nil {
		return nil
	}

	n.cache.Put(ctx, &cache.Entry{
		Key:         st.Fingerprint,
		Payload:     payload,
		ContentType: "application/json",
		SourceTag:   "cache_store",
	}, cache.TTLFor(st.Req.TaskType, st.Complexity))

	if st.Req.TaskType == core.TaskChat && st.Req.SessionID != "" {
		n.storeSession(ctx, st)
	}
	return nil
}

// storeSession appends the finished exchange to the best-effort session
// history entry.
func (n *Nodes) storeSession(ctx context.Context, st *workflow.GraphState) {
	history := append([]core.Message{}, st.Req.History...)
	history = append(history,
		core.Message{Role: "user", Text: st.Req.Message},
		core.Message{Role: "assistant", Text: st.Answer},
	)
	if len(history) > sessionHistoryCap {
		history = history[len(history)-sessionHistoryCap:]
	}

	payload, err := json.Marshal(history)
	if err != nil {
		return
	}
	n.cache.Put(ctx, &cache.Entry{
		Key:         sessionKey(st.Req.SessionID),
		Payload:     payload,
		ContentType: "application/json",
		SourceTag:   "session",
	}, sessionTTL)
}

// Emit finalizes the run: citations for research, and for streaming requests
// whose answer was never streamed (cache hits), the buffered answer goes out
// as paced chunks.
func (n *Nodes) Emit(ctx context.Context, st *workflow.GraphState) error {
	if st.Req.TaskType == core.TaskResearch && len(st.Results) > 0 && len(st.Citations) == 0 {
		// Sibling retrievals may have fetched overlapping sources.
		st.Results = search.Dedupe(st.Results)
		st.Citations = search.Citations(st.Results)
	}

	if st.Streaming() && st.CacheHit && st.Answer != "" {
		pacer := workflow.NewPacer(func(c core.Chunk) error {
			if n.metrics != nil {
				n.metrics.StreamChunks.Inc()
			}
			return st.Emit(c)
		}, n.streamMinInterval)
		if err := pacer.Push(st.Answer); err != nil {
			return fault.Wrap(fault.KindCancelled, err)
		}
		if err := pacer.Close(); err != nil {
			return fault.Wrap(fault.KindCancelled, err)
		}
	}
	return nil
}

// Recover is the graph's error-recovery node. Chat attempts one last-resort
// call on the minimal fallback model with a fixed safe prompt; everything
// else (and a failed last resort) gets a static graceful message. No raw
// failure detail ever reaches the client.
func (n *Nodes) Recover(ctx context.Context, st *workflow.GraphState) error {
	st.Degraded = true
	if st.Answer != "" {
		return nil // best-so-far survives
	}

	if st.Req.TaskType == core.TaskChat && n.fallbackModel != "" && ctx.Err() == nil {
		prompt := fmt.Sprintf(
			"You are a helpful assistant. Give a brief, safe reply to: %s", st.Req.Message)
		if inv, err := n.pool.Invoke(ctx, n.fallbackModel, prompt, backend.TimeoutSimple, nil); err == nil {
			st.Answer = inv.Result.Text
			st.AddModel(n.fallbackModel)
			st.AddUsage(inv.Result.Tokens, 0)
			return nil
		}
	}

	switch st.Req.TaskType {
	case core.TaskSearch:
		st.Answer = "Search is temporarily unavailable. Please try again shortly."
	case core.TaskResearch:
		st.Answer = "The research pipeline could not complete this request. Please try again shortly."
	default:
		st.Answer = "I'm having trouble answering right now. Please try again in a moment."
	}
	return nil
}
