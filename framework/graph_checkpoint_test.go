package framework

import (
	"context"
	"errors"
	"testing"
)

type recordingTelemetry struct {
	events      []Event
	checkpoints []string
}

func (r *recordingTelemetry) Emit(e Event) { r.events = append(r.events, e) }
func (r *recordingTelemetry) OnCheckpointCreated(taskID, checkpointID, nodeID string) {
	r.checkpoints = append(r.checkpoints, nodeID)
}

func phaseNode(id string, phase Phase) testNode {
	return testNode{id: id, run: func(_ context.Context, s *MigrationState) (*Result, error) {
		next := s.Clone()
		next.Phase = phase
		return &Result{Success: true, State: next}, nil
	}}
}

// TestGraphCheckpointsOnPredicate only checkpoints steps the predicate accepts
// and hands the callback a copy of the state.
func TestGraphCheckpointsOnPredicate(t *testing.T) {
	graph := NewGraph()
	mustAdd(t, graph, phaseNode("plan", PhasePlanning), phaseNode("again", PhasePlanning), NewTerminalNode("done"))
	_ = graph.SetStart("plan")
	_ = graph.AddEdge("plan", "again", nil)
	_ = graph.AddEdge("again", "done", nil)

	var saved []*GraphCheckpoint
	graph.WithCheckpointing(func(prev, next *MigrationState) bool {
		return prev.Phase != next.Phase
	}, func(c *GraphCheckpoint) error {
		saved = append(saved, c)
		return nil
	})
	telemetry := &recordingTelemetry{}
	graph.SetTelemetry(telemetry)

	final, err := graph.Execute(context.Background(), newTestState())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(saved) != 1 {
		t.Fatalf("expected exactly one checkpoint, got %d", len(saved))
	}
	ckpt := saved[0]
	if ckpt.NodeID != "plan" || ckpt.NextNodeID != "again" {
		t.Fatalf("unexpected checkpoint nodes %s -> %s", ckpt.NodeID, ckpt.NextNodeID)
	}
	if ckpt.State == final {
		t.Fatal("expected checkpoint to clone the state")
	}
	if ckpt.GraphHash == "" || ckpt.GraphHash != graph.Hash() {
		t.Fatal("expected graph hash to be populated")
	}
	if len(telemetry.checkpoints) != 1 {
		t.Fatalf("expected checkpoint telemetry, got %v", telemetry.checkpoints)
	}
}

// TestGraphCheckpointFailureAborts makes persistence failures visible to the
// caller instead of silently continuing.
func TestGraphCheckpointFailureAborts(t *testing.T) {
	graph := NewGraph()
	ranSecond := false
	mustAdd(t, graph, phaseNode("first", PhasePlanning), testNode{id: "second", run: func(context.Context, *MigrationState) (*Result, error) {
		ranSecond = true
		return nil, nil
	}})
	_ = graph.SetStart("first")
	_ = graph.AddEdge("first", "second", nil)
	diskFull := errors.New("disk full")
	graph.WithCheckpointing(nil, func(*GraphCheckpoint) error { return diskFull })
	if _, err := graph.Execute(context.Background(), newTestState()); !errors.Is(err, diskFull) {
		t.Fatalf("expected checkpoint error, got %v", err)
	}
	if ranSecond {
		t.Fatal("execution should stop when a checkpoint cannot be written")
	}
}

// TestGraphHashStable ensures the hash depends on shape only.
func TestGraphHashStable(t *testing.T) {
	build := func() *Graph {
		g := NewGraph()
		mustAdd(t, g, testNode{id: "a"}, NewTerminalNode("b"))
		_ = g.SetStart("a")
		_ = g.AddEdge("a", "b", nil)
		return g
	}
	if build().Hash() != build().Hash() {
		t.Fatal("expected identical graphs to hash identically")
	}
	other := build()
	mustAdd(t, other, testNode{id: "c"})
	if other.Hash() == build().Hash() {
		t.Fatal("expected different graphs to hash differently")
	}
}
