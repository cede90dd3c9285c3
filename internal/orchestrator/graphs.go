package orchestrator

import (
	"time"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/workflow"
)

// Node timeouts are generous outer bounds; the backend pool applies the
// tighter adaptive per-call deadlines.
const (
	planTimeout     = 2 * time.Second
	cacheTimeout    = 3 * time.Second
	routeTimeout    = 2 * time.Second
	retrieveTimeout = 15 * time.Second
	synthTimeout    = 150 * time.Second
	criticTimeout   = 45 * time.Second
	emitTimeout     = 30 * time.Second
)

func cacheHit(st *workflow.GraphState) bool  { return st.CacheHit }
func cacheMiss(st *workflow.GraphState) bool { return !st.CacheHit }

// BuildChatGraph declares the sequential chat pipeline:
// Plan → CacheLookup → (hit → Emit) → Route → Synthesize → CacheStore → Emit.
func BuildChatGraph(n *Nodes) *workflow.Graph {
	return &workflow.Graph{
		Name: "chat",
		Nodes: []workflow.Node{
			{Name: "plan", Writes: []string{"complexity", "bucket", "fingerprint"}, Timeout: planTimeout, Run: n.Plan},
			{Name: "cache_lookup", Reads: []string{"fingerprint"}, Writes: []string{"answer", "cache_hit"}, Timeout: cacheTimeout, Run: n.CacheLookup},
			{Name: "route", Reads: []string{"bucket"}, Writes: []string{"decision"}, Timeout: routeTimeout, Run: n.Route},
			{Name: "synthesize", Reads: []string{"decision", "prompt"}, Writes: []string{"answer", "models_used", "tokens_used", "cost"}, Timeout: synthTimeout, Run: n.Synthesize},
			{Name: "cache_store", Reads: []string{"answer", "fingerprint"}, Timeout: cacheTimeout, Run: n.CacheStore},
			{Name: "emit", Reads: []string{"answer"}, Timeout: emitTimeout, Run: n.Emit},
			{Name: "error_recovery", Writes: []string{"answer", "degraded"}, Timeout: criticTimeout, Run: n.Recover},
		},
		Edges: []workflow.Edge{
			{From: 0, To: 1},
			{From: 1, To: 5, When: cacheHit},
			{From: 1, To: 2, When: cacheMiss},
			{From: 2, To: 3},
			{From: 3, To: 4},
			{From: 4, To: 5},
		},
		Entry:    0,
		Recovery: 6,
	}
}

// BuildSearchGraph declares the search pipeline. The single Retrieve node
// fans providers out internally.
func BuildSearchGraph(n *Nodes) *workflow.Graph {
	retrieve := n.Retrieve(func(r *core.Request) string { return r.Query })
	return &workflow.Graph{
		Name: "search",
		Nodes: []workflow.Node{
			{Name: "plan", Writes: []string{"complexity", "bucket", "fingerprint"}, Timeout: planTimeout, Run: n.Plan},
			{Name: "cache_lookup", Reads: []string{"fingerprint"}, Writes: []string{"results", "cache_hit"}, Timeout: cacheTimeout, Run: n.CacheLookup},
			{Name: "retrieve", Reads: []string{"request"}, Writes: []string{"results"}, Timeout: retrieveTimeout, Run: retrieve},
			{Name: "cache_store", Reads: []string{"results", "fingerprint"}, Timeout: cacheTimeout, Run: n.CacheStore},
			{Name: "emit", Reads: []string{"results"}, Timeout: emitTimeout, Run: n.Emit},
			{Name: "error_recovery", Writes: []string{"answer", "degraded"}, Timeout: cacheTimeout, Run: n.Recover},
		},
		Edges: []workflow.Edge{
			{From: 0, To: 1},
			{From: 1, To: 4, When: cacheHit},
			{From: 1, To: 2, When: cacheMiss},
			{From: 2, To: 3},
			{From: 3, To: 4},
		},
		Entry:    0,
		Recovery: 5,
	}
}

// BuildResearchGraph declares the deep-dive pipeline. Two retrieve siblings
// run in parallel, then synthesis and a bounded critic loop:
// the critic may send the draft back to Synthesize at most once per round,
// two rounds total.
func BuildResearchGraph(n *Nodes) *workflow.Graph {
	primary := n.Retrieve(func(r *core.Request) string { return r.Question })
	background := n.Retrieve(func(r *core.Request) string { return r.Question + " background overview" })

	criticWanted := func(st *workflow.GraphState) bool {
		return st.Req.Depth != core.DepthShallow
	}
	criticSkipped := func(st *workflow.GraphState) bool {
		return st.Req.Depth == core.DepthShallow
	}
	redraft := func(st *workflow.GraphState) bool {
		return st.CriticVerdict == "insufficient" && st.CriticRounds < maxCriticRounds
	}
	accept := func(st *workflow.GraphState) bool {
		return st.CriticVerdict != "insufficient" || st.CriticRounds >= maxCriticRounds
	}

	return &workflow.Graph{
		Name: "research",
		Nodes: []workflow.Node{
			{Name: "plan", Writes: []string{"complexity", "bucket", "fingerprint"}, Timeout: planTimeout, Run: n.Plan},
			{Name: "cache_lookup", Reads: []string{"fingerprint"}, Writes: []string{"answer", "results", "cache_hit"}, Timeout: cacheTimeout, Run: n.CacheLookup},
			{Name: "route", Reads: []string{"bucket"}, Writes: []string{"decision"}, Timeout: routeTimeout, Run: n.Route},
			{Name: "retrieve_primary", Reads: []string{"request"}, Writes: []string{"results"}, Timeout: retrieveTimeout, Run: primary, Parallel: true},
			{Name: "retrieve_background", Reads: []string{"request"}, Writes: []string{"results"}, Timeout: retrieveTimeout, Run: background, Parallel: true},
			{Name: "synthesize", Reads: []string{"decision", "results", "critic"}, Writes: []string{"answer", "models_used", "tokens_used", "cost"}, Timeout: synthTimeout, Run: n.Synthesize, MaxLoops: maxCriticRounds - 1},
			{Name: "critic", Reads: []string{"answer"}, Writes: []string{"critic", "degraded"}, Timeout: criticTimeout, Run: n.Critic, MaxLoops: maxCriticRounds - 1},
			{Name: "cache_store", Reads: []string{"answer", "fingerprint"}, Timeout: cacheTimeout, Run: n.CacheStore},
			{Name: "emit", Reads: []string{"answer", "citations"}, Timeout: emitTimeout, Run: n.Emit},
			{Name: "error_recovery", Writes: []string{"answer", "degraded"}, Timeout: cacheTimeout, Run: n.Recover},
		},
		Edges: []workflow.Edge{
			{From: 0, To: 1},
			{From: 1, To: 8, When: cacheHit},
			{From: 1, To: 2, When: cacheMiss},
			{From: 2, To: 3},
			{From: 2, To: 4},
			{From: 3, To: 5},
			{From: 4, To: 5},
			{From: 5, To: 6, When: criticWanted},
			{From: 5, To: 7, When: criticSkipped},
			{From: 6, To: 5, When: redraft},
			{From: 6, To: 7, When: accept},
			{From: 7, To: 8},
		},
		Entry:    0,
		Recovery: 9,
	}
}
