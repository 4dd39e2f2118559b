package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/metrics"
)

// SnapshotStore persists MigrationState between runs. Save must be atomic:
// a reader sees either the previous or the new snapshot, never a mix.
type SnapshotStore interface {
	Save(ctx context.Context, state *framework.MigrationState) error
	// Load returns an error wrapping framework.ErrSnapshotNotFound for
	// unknown run IDs.
	Load(ctx context.Context, runID string) (*framework.MigrationState, error)
	List(ctx context.Context) ([]SnapshotInfo, error)
	Delete(ctx context.Context, runID string) error
}

// Archiver is implemented by stores that can retire a finished run without
// deleting it.
type Archiver interface {
	Archive(ctx context.Context, runID string) error
}

// SnapshotInfo summarises a stored run.
type SnapshotInfo struct {
	RunID     string          `json:"run_id"`
	Phase     framework.Phase `json:"phase"`
	Models    int             `json:"models"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	UpdatedAt time.Time       `json:"updated_at"`
	Archived  bool            `json:"archived,omitempty"`
}

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateRunID rejects IDs that cannot be used as file names or keys.
func ValidateRunID(runID string) error {
	if !runIDPattern.MatchString(runID) {
		return &framework.ConfigurationError{Field: "run_id", Reason: fmt.Sprintf("invalid run id %q", runID)}
	}
	return nil
}

func encode(state *framework.MigrationState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("nil state")
	}
	if err := ValidateRunID(state.RunID); err != nil {
		return nil, err
	}
	return json.MarshalIndent(state, "", "  ")
}

func decode(data []byte) (*framework.MigrationState, error) {
	var state framework.MigrationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if state.Models == nil {
		state.Models = []framework.ModelState{}
	}
	if state.Errors == nil {
		state.Errors = []string{}
	}
	return &state, nil
}

func notFound(runID string) error {
	return fmt.Errorf("%w: %s", framework.ErrSnapshotNotFound, runID)
}

func infoFor(state *framework.MigrationState, archived bool) SnapshotInfo {
	return SnapshotInfo{
		RunID:     state.RunID,
		Phase:     state.Phase,
		Models:    len(state.Models),
		Completed: state.CountStatus(framework.StatusCompleted),
		Failed:    state.CountStatus(framework.StatusFailed),
		UpdatedAt: state.UpdatedAt,
		Archived:  archived,
	}
}

// sortInfos orders newest first, then by run ID.
func sortInfos(infos []SnapshotInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].RunID < infos[j].RunID
	})
}

// Metered wraps a store and counts snapshot writes.
type Metered struct {
	SnapshotStore
	Name    string
	Metrics *metrics.Metrics
}

// Save records the outcome of every write.
func (m *Metered) Save(ctx context.Context, state *framework.MigrationState) error {
	err := m.SnapshotStore.Save(ctx, state)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Metrics.RecordSnapshotWrite(m.Name, outcome)
	return err
}

// Archive forwards to the wrapped store when it supports archiving.
func (m *Metered) Archive(ctx context.Context, runID string) error {
	if a, ok := m.SnapshotStore.(Archiver); ok {
		return a.Archive(ctx, runID)
	}
	return fmt.Errorf("%s store does not support archiving", m.Name)
}
