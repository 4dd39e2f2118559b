package workflow

import (
	"context"
	"fmt"

	"github.com/lexcodex/dbtmigrate/framework"
)

// Node IDs of the per-model graph.
const (
	NodeExecute  = "execute"
	NodeTest     = "test"
	NodeRebuild  = "rebuild"
	NodeEvaluate = "evaluate"
	NodeDone     = "done"
)

var nodeForRole = map[framework.Role]string{
	framework.RoleExecutor:  NodeExecute,
	framework.RoleTester:    NodeTest,
	framework.RoleRebuilder: NodeRebuild,
	framework.RoleEvaluator: NodeEvaluate,
}

// StartNode picks where a model resumes given its persisted status.
func StartNode(status framework.ModelStatus) string {
	role, ok := RoleFor(status)
	if !ok {
		return NodeDone
	}
	return nodeForRole[role]
}

// NewModelGraph wires the execute/test/rebuild/evaluate loop for the current
// model. Every edge is conditioned on the model's status after the step, so
// exactly one transition applies.
func NewModelGraph(machine *Machine) (*framework.Graph, error) {
	g := framework.NewGraph()
	// each rebuild cycle visits test and rebuild once; leave headroom for the first pass
	g.WithMaxNodeVisits(machine.Adapter.Policy().MaxAttempts + 2)
	if machine.Telemetry != nil {
		g.SetTelemetry(machine.Telemetry)
	}
	for role, id := range nodeForRole {
		if err := g.AddNode(agentNode(id, role, machine)); err != nil {
			return nil, err
		}
	}
	if err := g.AddNode(framework.NewTerminalNode(NodeDone)); err != nil {
		return nil, err
	}
	targets := []string{NodeExecute, NodeTest, NodeRebuild, NodeEvaluate, NodeDone}
	for _, from := range []string{NodeExecute, NodeTest, NodeRebuild, NodeEvaluate} {
		for _, to := range targets {
			if err := g.AddEdge(from, to, statusRoutesTo(to)); err != nil {
				return nil, err
			}
		}
	}
	if err := g.SetStart(NodeExecute); err != nil {
		return nil, err
	}
	return g, nil
}

func agentNode(id string, role framework.Role, machine *Machine) framework.Node {
	return framework.NewFuncNode(id, framework.NodeTypeAgent, func(ctx context.Context, state *framework.MigrationState) (*framework.Result, error) {
		next, result, err := machine.Apply(ctx, state, role)
		if err != nil {
			return nil, err
		}
		return &framework.Result{Success: result.Success, State: next}, nil
	})
}

func statusRoutesTo(target string) framework.ConditionFunc {
	return func(_ *framework.Result, state *framework.MigrationState) bool {
		model, ok := state.CurrentModel()
		if !ok {
			return target == NodeDone
		}
		return StartNode(model.Status) == target
	}
}

// checkpointWorthy reports whether the step changed anything a resumed run
// must not repeat.
func checkpointWorthy(prev, next *framework.MigrationState) bool {
	if prev == nil || next == nil {
		return true
	}
	if prev.Phase != next.Phase || prev.CompletedCount != next.CompletedCount {
		return true
	}
	a, okA := prev.CurrentModel()
	b, okB := next.CurrentModel()
	if okA != okB {
		return true
	}
	if !okA {
		return false
	}
	return a.Status != b.Status || a.Attempts != b.Attempts || a.FilePath != b.FilePath
}

// runModel drives the current model until it is terminal.
func runModel(ctx context.Context, machine *Machine, state *framework.MigrationState, checkpoint framework.CheckpointCallback) (*framework.MigrationState, error) {
	model, ok := state.CurrentModel()
	if !ok {
		return state, fmt.Errorf("no model at index %d", state.CurrentModelIndex)
	}
	start := StartNode(model.Status)
	if start == NodeDone {
		return state, nil
	}
	g, err := NewModelGraph(machine)
	if err != nil {
		return state, err
	}
	g.WithCheckpointing(checkpointWorthy, checkpoint)
	final, err := g.ExecuteFrom(ctx, state, start)
	if err != nil {
		return final, err
	}
	if m, ok := final.CurrentModel(); ok && !m.Status.Terminal() {
		return final, fmt.Errorf("model %s stopped in non-terminal status %s", m.Name, m.Status)
	}
	return final, nil
}
