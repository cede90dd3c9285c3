package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// NodeFunc is the work of one node. Implementations must be side-effect free
// outside their declared writes and must honor ctx cancellation.
type NodeFunc func(ctx context.Context, st *GraphState) error

// Predicate guards an edge; nil means unconditional.
type Predicate func(st *GraphState) bool

// Node is one step of a graph. Nodes are stored in a flat array and edges
// reference them by index.
type Node struct {
	Name    string
	Reads   []string
	Writes  []string
	Timeout time.Duration
	Run     NodeFunc

	// Parallel marks the node as safe to run alongside parallel siblings
	// that become ready in the same step (retrieval fan-out).
	Parallel bool

	// MaxLoops > 0 permits back edges into this node, bounded by the
	// counter. Zero forbids re-entry.
	MaxLoops int
}

// Edge connects two nodes by index, optionally predicate-guarded. Out-edges
// of a node are evaluated in declaration order.
type Edge struct {
	From int
	To   int
	When Predicate
}

// Graph is a compiled workflow definition, immutable after Compile.
type Graph struct {
	Name  string
	Nodes []Node
	Edges []Edge
	Entry int
	// Recovery indexes the node handling failed or timed-out nodes; -1
	// disables recovery.
	Recovery int

	compileOnce sync.Once
	compileErr  error
	compiled    bool
	out         [][]int // adjacency: node index -> edge indices
}

// Compile validates the graph and builds the adjacency index. It runs at
// most once per Graph value; later calls are no-ops returning the first
// result.
func (g *Graph) Compile() error {
	g.compileOnce.Do(func() {
		g.compileErr = g.compile()
		g.compiled = g.compileErr == nil
	})
	return g.compileErr
}

// Compiled reports whether Compile has succeeded.
func (g *Graph) Compiled() bool { return g.compiled }

func (g *Graph) compile() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph %q has no nodes", g.Name)
	}
	if g.Entry < 0 || g.Entry >= len(g.Nodes) {
		return fmt.Errorf("graph %q entry %d out of range", g.Name, g.Entry)
	}
	if g.Recovery >= len(g.Nodes) {
		return fmt.Errorf("graph %q recovery %d out of range", g.Name, g.Recovery)
	}

	seen := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.Name == "" || n.Run == nil {
			return fmt.Errorf("graph %q node %d missing name or func", g.Name, i)
		}
		if seen[n.Name] {
			return fmt.Errorf("graph %q duplicate node %q", g.Name, n.Name)
		}
		seen[n.Name] = true
		for _, f := range append(append([]string{}, n.Reads...), n.Writes...) {
			if !stateFields[f] {
				return fmt.Errorf("graph %q node %q declares unknown field %q", g.Name, n.Name, f)
			}
		}
	}

	g.out = make([][]int, len(g.Nodes))
	for i, e := range g.Edges {
		if e.From < 0 || e.From >= len(g.Nodes) || e.To < 0 || e.To >= len(g.Nodes) {
			return fmt.Errorf("graph %q edge %d out of range", g.Name, i)
		}
		// Back edges form cycles; only explicit loop nodes may be re-entered,
		// and only behind a predicate.
		if e.To <= e.From {
			if g.Nodes[e.To].MaxLoops <= 0 {
				return fmt.Errorf("graph %q edge %d loops into %q which is not a loop node",
					g.Name, i, g.Nodes[e.To].Name)
			}
			if e.When == nil {
				return fmt.Errorf("graph %q edge %d loops into %q without a predicate",
					g.Name, i, g.Nodes[e.To].Name)
			}
		}
		g.out[e.From] = append(g.out[e.From], i)
	}
	return nil
}

// successors returns the targets of the node's passing out-edges, honoring
// loop bounds. visits counts how many times each node has already run.
func (g *Graph) successors(from int, st *GraphState, visits []int) []int {
	var next []int
	for _, ei := range g.out[from] {
		e := g.Edges[ei]
		if e.When != nil && !e.When(st) {
			continue
		}
		n := g.Nodes[e.To]
		if visits[e.To] > 0 {
			// Re-entry only within the loop budget. MaxLoops counts extra
			// passes beyond the first.
			if n.MaxLoops <= 0 || visits[e.To] > n.MaxLoops {
				continue
			}
		}
		next = append(next, e.To)
	}
	return next
}
