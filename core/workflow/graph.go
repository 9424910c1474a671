package workflow

import (
	"fmt"
	"sort"
)

// TerminalClass marks graph nodes that end a traversal.
type TerminalClass string

const (
	TerminalNone    TerminalClass = ""
	TerminalSuccess TerminalClass = "success"
	TerminalFailure TerminalClass = "failure"
)

// Node is one step kind in a graph with its success/failure edges and the
// prior steps whose response data it reads.
type Node struct {
	OnSuccess []StepKind
	OnFailure StepKind
	// CheckStep names the companion status-check node enqueued when this
	// node's handler leaves a step pending. A node without one re-polls
	// itself under the poll budget.
	CheckStep    StepKind
	ReadDataFrom []StepKind
	Terminal     TerminalClass
	// TimeoutSec bounds the handler invocation for this node; zero uses the
	// executor default.
	TimeoutSec int64
}

// Graph is the immutable step DAG for one workflow kind. Rollback sequences
// are ordinary nodes reached via OnFailure edges; AbortEntry is where an
// externally requested abort re-enters the graph.
type Graph struct {
	Kind       Kind
	Entry      StepKind
	AbortEntry StepKind
	Nodes      map[StepKind]*Node
}

// Node returns the graph node for a step kind.
func (g *Graph) Node(kind StepKind) (*Node, bool) {
	if g == nil {
		return nil, false
	}
	n, ok := g.Nodes[kind]
	return n, ok
}

// Next returns the step kinds to enqueue after a step of the given kind
// resolves with the given outcome. Pending has no edges: resolution is owned
// by the companion check-status node.
func (g *Graph) Next(kind StepKind, outcome Outcome) []StepKind {
	n, ok := g.Node(kind)
	if !ok {
		return nil
	}
	switch outcome {
	case OutcomeDone:
		return n.OnSuccess
	case OutcomeFailed:
		if n.OnFailure == "" {
			return nil
		}
		return []StepKind{n.OnFailure}
	default:
		return nil
	}
}

// Validate enforces well-formedness: the entry exists, every non-terminal
// node carries both edges, every edge and read-dependency names a declared
// node, every node is reachable from the entry, and every node reaches a
// terminal. Graphs fail fast at registration so a malformed config never
// reaches the executor.
func (g *Graph) Validate() error {
	if g == nil || g.Kind == "" {
		return fmt.Errorf("graph kind required")
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph %s: no nodes", g.Kind)
	}
	if _, ok := g.Nodes[g.Entry]; !ok {
		return fmt.Errorf("graph %s: entry node %q not declared", g.Kind, g.Entry)
	}
	if g.AbortEntry != "" {
		if _, ok := g.Nodes[g.AbortEntry]; !ok {
			return fmt.Errorf("graph %s: abort entry %q not declared", g.Kind, g.AbortEntry)
		}
	}
	for kind, n := range g.Nodes {
		if n == nil {
			return fmt.Errorf("graph %s: node %s is nil", g.Kind, kind)
		}
		if n.Terminal == TerminalNone {
			if len(n.OnSuccess) == 0 {
				return fmt.Errorf("graph %s: node %s has no onSuccess edge", g.Kind, kind)
			}
			if n.OnFailure == "" {
				return fmt.Errorf("graph %s: node %s has no onFailure edge", g.Kind, kind)
			}
		}
		for _, next := range n.OnSuccess {
			if _, ok := g.Nodes[next]; !ok {
				return fmt.Errorf("graph %s: node %s onSuccess references unknown node %s", g.Kind, kind, next)
			}
		}
		if n.OnFailure != "" {
			if _, ok := g.Nodes[n.OnFailure]; !ok {
				return fmt.Errorf("graph %s: node %s onFailure references unknown node %s", g.Kind, kind, n.OnFailure)
			}
		}
		for _, src := range n.ReadDataFrom {
			if _, ok := g.Nodes[src]; !ok {
				return fmt.Errorf("graph %s: node %s readDataFrom references unknown node %s", g.Kind, kind, src)
			}
		}
		if n.CheckStep != "" {
			if _, ok := g.Nodes[n.CheckStep]; !ok {
				return fmt.Errorf("graph %s: node %s checkStep references unknown node %s", g.Kind, kind, n.CheckStep)
			}
			onSuccess := false
			for _, next := range n.OnSuccess {
				if next == n.CheckStep {
					onSuccess = true
					break
				}
			}
			if !onSuccess {
				return fmt.Errorf("graph %s: node %s checkStep %s is not an onSuccess edge", g.Kind, kind, n.CheckStep)
			}
		}
	}

	reachable := map[StepKind]bool{}
	var walk func(StepKind)
	walk = func(kind StepKind) {
		if reachable[kind] {
			return
		}
		reachable[kind] = true
		n := g.Nodes[kind]
		for _, next := range n.OnSuccess {
			walk(next)
		}
		if n.OnFailure != "" {
			walk(n.OnFailure)
		}
	}
	walk(g.Entry)
	if g.AbortEntry != "" {
		walk(g.AbortEntry)
	}
	for kind := range g.Nodes {
		if !reachable[kind] {
			return fmt.Errorf("graph %s: node %s unreachable from entry %s", g.Kind, kind, g.Entry)
		}
	}

	// Every node must reach some terminal.
	for kind := range g.Nodes {
		if !reachesTerminal(g, kind, map[StepKind]bool{}) {
			return fmt.Errorf("graph %s: node %s reaches no terminal", g.Kind, kind)
		}
	}
	return nil
}

func reachesTerminal(g *Graph, kind StepKind, seen map[StepKind]bool) bool {
	if seen[kind] {
		return false
	}
	seen[kind] = true
	n := g.Nodes[kind]
	if n.Terminal != TerminalNone {
		return true
	}
	for _, next := range n.OnSuccess {
		if reachesTerminal(g, next, seen) {
			return true
		}
	}
	if n.OnFailure != "" {
		return reachesTerminal(g, n.OnFailure, seen)
	}
	return false
}

// Registry holds the static graph per workflow kind, loaded once at process
// start and immutable afterwards.
type Registry struct {
	graphs map[Kind]*Graph
}

// NewRegistry builds a registry from the given graphs, validating each.
func NewRegistry(graphs ...*Graph) (*Registry, error) {
	r := &Registry{graphs: make(map[Kind]*Graph, len(graphs))}
	for _, g := range graphs {
		if err := r.add(g); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if _, ok := r.graphs[g.Kind]; ok {
		return fmt.Errorf("graph %s already registered", g.Kind)
	}
	r.graphs[g.Kind] = g
	return nil
}

// Graph returns the graph for a workflow kind.
func (r *Registry) Graph(kind Kind) (*Graph, bool) {
	if r == nil {
		return nil, false
	}
	g, ok := r.graphs[kind]
	return g, ok
}

// Next resolves the successor step kinds for (workflowKind, stepKind, outcome).
func (r *Registry) Next(kind Kind, step StepKind, outcome Outcome) []StepKind {
	g, ok := r.Graph(kind)
	if !ok {
		return nil
	}
	return g.Next(step, outcome)
}

// Kinds lists the registered workflow kinds in stable order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.graphs))
	for k := range r.graphs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
