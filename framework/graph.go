package framework

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// NodeType enumerates supported node categories.
type NodeType string

const (
	NodeTypeAgent    NodeType = "agent"
	NodeTypeSystem   NodeType = "system"
	NodeTypeTerminal NodeType = "terminal"
)

const defaultMaxNodeVisits = 1024

// Node is one step of a graph walk.
type Node interface {
	ID() string
	Type() NodeType
	Execute(ctx context.Context, state *MigrationState) (*Result, error)
}

// Result is what a node hands back to the graph. A nil State means the node
// left the migration state untouched.
type Result struct {
	NodeID  string
	Success bool
	State   *MigrationState
	Data    map[string]interface{}
}

// ConditionFunc determines whether an edge should be followed.
type ConditionFunc func(result *Result, state *MigrationState) bool

// Edge describes a transition between nodes.
type Edge struct {
	From      string
	To        string
	Condition ConditionFunc
}

// CheckpointCallback receives checkpoints generated during execution. An
// error aborts the execution.
type CheckpointCallback func(checkpoint *GraphCheckpoint) error

// CheckpointPredicate decides whether the step from prev to next is worth a
// checkpoint.
type CheckpointPredicate func(prev, next *MigrationState) bool

// Graph is a small deterministic state machine over MigrationState. Nodes and
// edges are registered up front; each Execute call walks them with its own
// visit counters, so a graph may be reused across runs.
type Graph struct {
	mu        sync.RWMutex
	nodes     map[string]Node
	edges     map[string][]Edge
	start     string
	maxVisits int
	telemetry Telemetry
	saveWhen  CheckpointPredicate
	save      CheckpointCallback

	pathMu   sync.Mutex
	lastPath []string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:     make(map[string]Node),
		edges:     make(map[string][]Edge),
		maxVisits: defaultMaxNodeVisits,
	}
}

// WithCheckpointing configures automatic checkpointing. A nil predicate
// checkpoints after every node.
func (g *Graph) WithCheckpointing(when CheckpointPredicate, callback CheckpointCallback) *Graph {
	g.mu.Lock()
	g.saveWhen, g.save = when, callback
	g.mu.Unlock()
	return g
}

// WithMaxNodeVisits bounds how often a single node may run per execution.
func (g *Graph) WithMaxNodeVisits(n int) *Graph {
	if n > 0 {
		g.mu.Lock()
		g.maxVisits = n
		g.mu.Unlock()
	}
	return g
}

// SetTelemetry wires a telemetry sink for execution traces.
func (g *Graph) SetTelemetry(t Telemetry) {
	g.mu.Lock()
	g.telemetry = t
	g.mu.Unlock()
}

// SetStart marks the starting node.
func (g *Graph) SetStart(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("start node %s not found", id)
	}
	g.start = id
	return nil
}

// AddNode registers a node.
func (g *Graph) AddNode(node Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := node.ID()
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("node %s already exists", id)
	}
	g.nodes[id] = node
	return nil
}

// AddEdge wires two registered nodes together. A nil condition always matches.
func (g *Graph) AddEdge(from, to string, condition ConditionFunc) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range []string{from, to} {
		if _, ok := g.nodes[id]; !ok {
			return fmt.Errorf("node %s not defined", id)
		}
	}
	g.edges[from] = append(g.edges[from], Edge{From: from, To: to, Condition: condition})
	return nil
}

// HasNode reports whether id is registered.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Validate ensures the start node exists and all edge references resolve.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	switch {
	case len(g.nodes) == 0:
		return errors.New("graph has no nodes")
	case g.start == "":
		return errors.New("graph has no start node")
	}
	for from, edges := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge references missing node %s", from)
		}
		for _, edge := range edges {
			if _, ok := g.nodes[edge.To]; !ok {
				return fmt.Errorf("edge references missing node %s", edge.To)
			}
		}
	}
	return nil
}

// Execute runs the graph from its start node.
func (g *Graph) Execute(ctx context.Context, state *MigrationState) (*MigrationState, error) {
	return g.ExecuteFrom(ctx, state, "")
}

// ExecuteFrom runs the graph from the given node, or from the start node when
// start is empty. The latest state is returned even when an error stops the
// walk, so callers can persist what was achieved.
func (g *Graph) ExecuteFrom(ctx context.Context, state *MigrationState, start string) (*MigrationState, error) {
	if err := g.Validate(); err != nil {
		return state, err
	}
	if state == nil {
		return nil, errors.New("nil migration state")
	}
	w := g.newWalk(state.RunID)
	if start == "" {
		start = w.start
	}
	w.emit(Event{Type: EventGraphStart})
	final, err := w.run(ctx, state, start)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	w.emit(Event{Type: EventGraphFinish, Metadata: map[string]interface{}{"status": outcome, "steps": len(w.path)}})

	g.pathMu.Lock()
	g.lastPath = w.path
	g.pathMu.Unlock()
	return final, err
}

// ExecutionPath returns the node IDs visited by the last execution.
func (g *Graph) ExecutionPath() []string {
	g.pathMu.Lock()
	defer g.pathMu.Unlock()
	return append([]string(nil), g.lastPath...)
}

// walk is the per-execution view of a graph. It copies the registrations so
// nodes run without the graph lock held.
type walk struct {
	runID     string
	start     string
	nodes     map[string]Node
	edges     map[string][]Edge
	maxVisits int
	telemetry Telemetry
	saveWhen  CheckpointPredicate
	save      CheckpointCallback
	hash      string

	visits map[string]int
	path   []string
	saved  int
}

func (g *Graph) newWalk(runID string) *walk {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w := &walk{
		runID:     runID,
		start:     g.start,
		nodes:     make(map[string]Node, len(g.nodes)),
		edges:     make(map[string][]Edge, len(g.edges)),
		maxVisits: g.maxVisits,
		telemetry: g.telemetry,
		saveWhen:  g.saveWhen,
		save:      g.save,
		visits:    make(map[string]int),
	}
	for id, n := range g.nodes {
		w.nodes[id] = n
	}
	for id, e := range g.edges {
		w.edges[id] = e
	}
	if w.save != nil {
		w.hash = g.hashLocked()
	}
	return w
}

func (w *walk) emit(event Event) {
	if w.telemetry == nil {
		return
	}
	event.TaskID = w.runID
	event.Timestamp = time.Now().UTC()
	w.telemetry.Emit(event)
}

func (w *walk) fail(nodeID string, err error) error {
	w.emit(Event{Type: EventNodeError, NodeID: nodeID, Message: err.Error()})
	return err
}

func (w *walk) run(ctx context.Context, state *MigrationState, current string) (*MigrationState, error) {
	for current != "" {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		node, ok := w.nodes[current]
		if !ok {
			return state, fmt.Errorf("node %s missing", current)
		}
		w.visits[current]++
		if w.visits[current] > w.maxVisits {
			return state, fmt.Errorf("potential cycle detected at node %s", current)
		}
		w.path = append(w.path, current)

		w.emit(Event{Type: EventNodeStart, NodeID: current})
		result, err := node.Execute(ctx, state)
		if err != nil {
			return state, w.fail(current, fmt.Errorf("node %s execution failed: %w", current, err))
		}
		if result == nil {
			result = &Result{Success: true}
		}
		result.NodeID = current
		prev := state
		if result.State != nil {
			state = result.State
		}
		w.emit(Event{Type: EventNodeFinish, NodeID: current, Metadata: map[string]interface{}{"success": result.Success}})

		next, err := w.next(node, result, state)
		if err != nil {
			return state, err
		}
		if err := w.checkpoint(current, next, prev, state); err != nil {
			return state, w.fail(current, err)
		}
		current = next
	}
	return state, nil
}

// next evaluates the outgoing edges for a node. Exactly one edge may match;
// none ends the walk.
func (w *walk) next(node Node, result *Result, state *MigrationState) (string, error) {
	if node.Type() == NodeTypeTerminal {
		return "", nil
	}
	target := ""
	for _, edge := range w.edges[node.ID()] {
		if edge.Condition != nil && !edge.Condition(result, state) {
			continue
		}
		if target != "" {
			return "", fmt.Errorf("ambiguous transitions from %s", node.ID())
		}
		target = edge.To
	}
	return target, nil
}

// FuncNode adapts a function to the Node interface.
type FuncNode struct {
	id   string
	kind NodeType
	fn   func(context.Context, *MigrationState) (*Result, error)
}

// NewFuncNode creates a node backed by fn.
func NewFuncNode(id string, kind NodeType, fn func(context.Context, *MigrationState) (*Result, error)) *FuncNode {
	return &FuncNode{id: id, kind: kind, fn: fn}
}

func (n *FuncNode) ID() string     { return n.id }
func (n *FuncNode) Type() NodeType { return n.kind }

// Execute calls fn; a nil fn succeeds without touching the state.
func (n *FuncNode) Execute(ctx context.Context, state *MigrationState) (*Result, error) {
	if n.fn == nil {
		return &Result{NodeID: n.id, Success: true}, nil
	}
	return n.fn(ctx, state)
}

// TerminalNode ends a walk.
type TerminalNode struct {
	id string
}

// NewTerminalNode creates a terminal node.
func NewTerminalNode(id string) *TerminalNode {
	return &TerminalNode{id: id}
}

func (n *TerminalNode) ID() string     { return n.id }
func (n *TerminalNode) Type() NodeType { return NodeTypeTerminal }

func (n *TerminalNode) Execute(ctx context.Context, state *MigrationState) (*Result, error) {
	return &Result{NodeID: n.id, Success: true}, nil
}
