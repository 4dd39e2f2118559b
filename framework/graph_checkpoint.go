package framework

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// GraphCheckpoint is handed to the checkpoint callback after a node whose
// step the predicate accepted.
type GraphCheckpoint struct {
	CheckpointID  string          `json:"checkpoint_id"`
	TaskID        string          `json:"task_id"`
	Sequence      int             `json:"sequence"`
	CreatedAt     time.Time       `json:"created_at"`
	NodeID        string          `json:"node_id"`
	NextNodeID    string          `json:"next_node_id,omitempty"`
	VisitCounts   map[string]int  `json:"visit_counts"`
	ExecutionPath []string        `json:"execution_path"`
	State         *MigrationState `json:"state"`
	GraphHash     string          `json:"graph_hash"`
}

func (w *walk) checkpoint(nodeID, next string, prev, state *MigrationState) error {
	if w.save == nil {
		return nil
	}
	if w.saveWhen != nil && !w.saveWhen(prev, state) {
		return nil
	}
	w.saved++
	visits := make(map[string]int, len(w.visits))
	for id, n := range w.visits {
		visits[id] = n
	}
	cp := &GraphCheckpoint{
		CheckpointID:  fmt.Sprintf("%s-%s-%03d", w.runID, nodeID, w.saved),
		TaskID:        w.runID,
		Sequence:      w.saved,
		CreatedAt:     time.Now().UTC(),
		NodeID:        nodeID,
		NextNodeID:    next,
		VisitCounts:   visits,
		ExecutionPath: append([]string(nil), w.path...),
		State:         state.Clone(),
		GraphHash:     w.hash,
	}
	if t, ok := w.telemetry.(CheckpointTelemetry); ok {
		t.OnCheckpointCreated(w.runID, cp.CheckpointID, nodeID)
	}
	if err := w.save(cp); err != nil {
		return fmt.Errorf("checkpoint after %s: %w", nodeID, err)
	}
	return nil
}

// Hash identifies the graph's shape: its node IDs and edges.
func (g *Graph) Hash() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hashLocked()
}

func (g *Graph) hashLocked() string {
	parts := make([]string, 0, len(g.nodes)+len(g.edges))
	for id := range g.nodes {
		parts = append(parts, "node:"+id)
	}
	for from, edges := range g.edges {
		for _, e := range edges {
			parts = append(parts, "edge:"+from+">"+e.To)
		}
	}
	sort.Strings(parts)
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
