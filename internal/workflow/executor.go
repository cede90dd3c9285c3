package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/gateway/internal/fault"
	"github.com/ocx/gateway/internal/observability"
)

// Executor walks compiled graphs. One executor serves all requests; per-run
// state lives in the GraphState.
type Executor struct {
	logger   *slog.Logger
	timeline *observability.Timeline
}

// NewExecutor wires the executor. The timeline may be nil.
func NewExecutor(logger *slog.Logger, timeline *observability.Timeline) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger:   logger.With("component", "executor"),
		timeline: timeline,
	}
}

func (ex *Executor) record(st *GraphState, stage, detail string, fields map[string]interface{}) {
	if ex.timeline != nil {
		ex.timeline.Record(st.CorrelationID, stage, detail, fields)
	}
}

// Run executes the graph over the state. Node failures and timeouts divert
// to the recovery node; caller cancellation aborts the walk outright.
func (ex *Executor) Run(ctx context.Context, g *Graph, st *GraphState) error {
	if err := g.Compile(); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}

	visits := make([]int, len(g.Nodes))
	ready := []int{g.Entry}

	for len(ready) > 0 {
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.KindCancelled, err)
		}

		batch := ready[:1]
		rest := ready[1:]
		// Parallel siblings that became ready together run as one batch.
		if g.Nodes[ready[0]].Parallel {
			batch = ready
			rest = nil
			for i, idx := range ready {
				if !g.Nodes[idx].Parallel {
					batch = ready[:i]
					rest = ready[i:]
					break
				}
			}
		}

		if err := ex.runBatch(ctx, g, st, batch, visits); err != nil {
			if fault.IsKind(err, fault.KindCancelled) {
				return err
			}
			return ex.recover(ctx, g, st, visits, err)
		}

		next := rest
		for _, idx := range batch {
			next = append(next, g.successors(idx, st, visits)...)
		}
		ready = dedupe(next)
	}
	return nil
}

func dedupe(idxs []int) []int {
	seen := make(map[int]bool, len(idxs))
	out := idxs[:0]
	for _, i := range idxs {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}

// runBatch executes one or more ready nodes. A single node runs inline;
// parallel siblings share an errgroup and the first failure cancels the rest.
func (ex *Executor) runBatch(ctx context.Context, g *Graph, st *GraphState, batch []int, visits []int) error {
	if len(batch) == 1 {
		return ex.runNode(ctx, g, st, batch[0], visits)
	}

	eg, ectx := errgroup.WithContext(ctx)
	for _, idx := range batch {
		idx := idx
		eg.Go(func() error {
			return ex.runNode(ectx, g, st, idx, visits)
		})
	}
	return eg.Wait()
}

func (ex *Executor) runNode(ctx context.Context, g *Graph, st *GraphState, idx int, visits []int) (err error) {
	node := &g.Nodes[idx]
	visits[idx]++
	st.visit(node.Name)

	nctx := ctx
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	started := time.Now()
	ex.record(st, "node", node.Name, map[string]interface{}{"status": StatusRunning})

	// A panicking node must not take the process down; it fails like any
	// other node error and diverts to recovery.
	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("node panicked", "graph", g.Name, "node", node.Name, "panic", r)
			err = fault.Newf(fault.KindInternal, "node %s panicked", node.Name)
		}
	}()

	err = node.Run(nctx, st)

	status := StatusDone
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = StatusCancelled
		err = fault.Wrap(fault.KindCancelled, ctx.Err())
	case nctx.Err() != nil && !fault.IsKind(err, fault.KindBackendTimeout):
		status = StatusTimedOut
		err = fault.Wrap(fault.KindBackendTimeout,
			fmt.Errorf("node %s exceeded %s", node.Name, node.Timeout))
	default:
		status = StatusFailed
	}

	ex.record(st, "node", node.Name, map[string]interface{}{
		"status":      status,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	if err != nil && status != StatusCancelled {
		ex.logger.Warn("node failed",
			"graph", g.Name, "node", node.Name, "status", status, "error", err)
	}
	return err
}

// recover runs the graph's recovery node so the client gets a graceful
// degraded answer instead of the raw failure. The original error is still
// returned when no recovery node exists or recovery itself fails.
func (ex *Executor) recover(ctx context.Context, g *Graph, st *GraphState, visits []int, cause error) error {
	if g.Recovery < 0 {
		return cause
	}
	// Constraint faults surface immediately; degrading them would hide a
	// client error behind a fabricated answer.
	switch fault.KindOf(cause) {
	case fault.KindValidation, fault.KindBudgetExceeded, fault.KindRateLimited, fault.KindOverloaded:
		return cause
	}
	ex.record(st, "error", string(fault.KindOf(cause)), nil)

	st.mu.Lock()
	st.Degraded = true
	st.mu.Unlock()

	if err := ex.runNode(ctx, g, st, g.Recovery, visits); err != nil {
		return cause
	}
	// Execution faults surface as the degraded answer instead of an error.
	return nil
}
