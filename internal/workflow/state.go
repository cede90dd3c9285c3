// Package workflow runs the per-request pipelines as compiled graphs of
// nodes over a shared GraphState. Each task type declares its graph once;
// the executor walks ready nodes, honoring predicate-guarded edges, bounded
// loops, parallel retrieval, and cooperative cancellation.
package workflow

import (
	"sync"
	"time"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/router"
)

// NodeStatus is the lifecycle of one node during a run.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusDone      NodeStatus = "done"
	StatusFailed    NodeStatus = "failed"
	StatusTimedOut  NodeStatus = "timed_out"
	StatusCancelled NodeStatus = "cancelled"
)

// stateFields is the canonical set of GraphState fields nodes may declare in
// their read/write sets. Compile rejects unknown names.
var stateFields = map[string]bool{
	"request":     true,
	"complexity":  true,
	"bucket":      true,
	"fingerprint": true,
	"decision":    true,
	"results":     true,
	"citations":   true,
	"answer":      true,
	"models_used": true,
	"tokens_used": true,
	"cost":        true,
	"cache_hit":   true,
	"degraded":    true,
	"critic":      true,
	"prompt":      true,
}

// GraphState is the blackboard a run's nodes read and write. One instance
// per request; the mutex covers parallel sibling writes.
type GraphState struct {
	mu sync.Mutex

	Req           *core.Request
	CorrelationID string
	Deadline      time.Time

	// Written by Plan.
	Complexity  core.ComplexityClass
	Bucket      router.Bucket
	Fingerprint string

	// Written by Route.
	Decision *router.Decision

	// Written by Retrieve.
	Results   []core.SearchResult
	Citations []string

	// Written by Synthesize / Emit.
	Prompt     string
	Answer     string
	ModelsUsed []string
	TokensUsed int
	Cost       float64
	CacheHit   bool
	Degraded   bool

	// Critic loop bookkeeping.
	CriticVerdict string
	CriticRounds  int

	NodesVisited []string

	// emit is the streaming sink; nil for buffered requests.
	emit func(core.Chunk) error
}

// NewGraphState seeds the blackboard for one request.
func NewGraphState(req *core.Request, corrID string, emit func(core.Chunk) error) *GraphState {
	return &GraphState{
		Req:           req,
		CorrelationID: corrID,
		emit:          emit,
	}
}

// Streaming reports whether the run has a chunk sink attached.
func (st *GraphState) Streaming() bool { return st.emit != nil }

// Emit forwards one chunk to the streaming sink.
func (st *GraphState) Emit(chunk core.Chunk) error {
	if st.emit == nil {
		return nil
	}
	return st.emit(chunk)
}

// AddModel records a model participating in the answer, de-duplicated.
func (st *GraphState) AddModel(model string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, m := range st.ModelsUsed {
		if m == model {
			return
		}
	}
	st.ModelsUsed = append(st.ModelsUsed, model)
}

// AddUsage accumulates token and cost totals across backend calls.
func (st *GraphState) AddUsage(tokens int, cost float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.TokensUsed += tokens
	st.Cost += cost
}

// AddResults merges retrieved hits into the state. Parallel retrieve
// siblings call this concurrently.
func (st *GraphState) AddResults(results []core.SearchResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.Results = append(st.Results, results...)
}

// visit records node execution order for the timeline.
func (st *GraphState) visit(name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.NodesVisited = append(st.NodesVisited, name)
}

// Response assembles the buffered response from the final state.
func (st *GraphState) Response(latency time.Duration) *core.Response {
	return &core.Response{
		Answer:        st.Answer,
		Results:       st.Results,
		Citations:     st.Citations,
		ModelsUsed:    st.ModelsUsed,
		Cost:          st.Cost,
		TokensUsed:    st.TokensUsed,
		CacheHit:      st.CacheHit,
		Degraded:      st.Degraded,
		LatencyMS:     latency.Milliseconds(),
		CorrelationID: st.CorrelationID,
	}
}
