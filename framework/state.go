package framework

import (
	"fmt"
	"time"
)

// Phase is the run-level stage of a migration.
type Phase string

const (
	PhaseAssessment Phase = "assessment"
	PhasePlanning   Phase = "planning"
	PhaseExecution  Phase = "execution"
	PhaseTesting    Phase = "testing"
	PhaseEvaluating Phase = "evaluating"
	PhaseRebuilding Phase = "rebuilding"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	// PhaseStopped marks a run cancelled at a phase boundary. It is resumable.
	PhaseStopped Phase = "stopped"
)

// Terminal reports whether no further work is scheduled for the run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ModelStatus tracks a single model through the migration lifecycle.
type ModelStatus string

const (
	StatusPending    ModelStatus = "pending"
	StatusInProgress ModelStatus = "in_progress"
	StatusTesting    ModelStatus = "testing"
	StatusEvaluating ModelStatus = "evaluating"
	StatusRebuilding ModelStatus = "rebuilding"
	StatusCompleted  ModelStatus = "completed"
	StatusFailed     ModelStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s ModelStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s ModelStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusTesting, StatusEvaluating,
		StatusRebuilding, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Layer is the dbt project layer a model is written to.
type Layer string

const (
	LayerStaging      Layer = "staging"
	LayerIntermediate Layer = "intermediate"
	LayerMarts        Layer = "marts"
)

// ModelState is the per-model progress record.
type ModelState struct {
	Name            string      `json:"name"`
	SourceObject    string      `json:"source_object,omitempty"`
	Kind            ObjectKind  `json:"kind,omitempty"`
	Layer           Layer       `json:"layer,omitempty"`
	DependsOn       []string    `json:"depends_on,omitempty"`
	Status          ModelStatus `json:"status"`
	Attempts        int         `json:"attempts"`
	FilePath        string      `json:"file_path,omitempty"`
	Errors          []string    `json:"errors"`
	ValidationScore *float64    `json:"validation_score,omitempty"`
}

// Clone returns a deep copy of the model.
func (m ModelState) Clone() ModelState {
	out := m
	out.DependsOn = cloneStrings(m.DependsOn)
	out.Errors = cloneStrings(m.Errors)
	if m.ValidationScore != nil {
		score := *m.ValidationScore
		out.ValidationScore = &score
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// LastError returns the most recent recorded error, or "".
func (m ModelState) LastError() string {
	if len(m.Errors) == 0 {
		return ""
	}
	return m.Errors[len(m.Errors)-1]
}

// MigrationState is the single authoritative record of a run. Its JSON form is
// the snapshot format.
type MigrationState struct {
	RunID             string            `json:"run_id"`
	Phase             Phase             `json:"phase"`
	Metadata          *Metadata         `json:"metadata"`
	ProjectPath       string            `json:"project_path"`
	Models            []ModelState      `json:"models"`
	CurrentModelIndex int               `json:"current_model_index"`
	Assessment        *AssessmentReport `json:"assessment,omitempty"`
	Planning          *MigrationPlan    `json:"planning,omitempty"`
	CompletedCount    int               `json:"completed_count"`
	Errors            []string          `json:"errors"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NewMigrationState creates the initial state for a run.
func NewMigrationState(runID string, metadata *Metadata, projectPath string) *MigrationState {
	now := time.Now().UTC()
	return &MigrationState{
		RunID:       runID,
		Phase:       PhaseAssessment,
		Metadata:    metadata,
		ProjectPath: projectPath,
		Models:      []ModelState{},
		Errors:      []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone deep copies the mutable parts of the state. Metadata is shared since it
// is read-only after load.
func (s *MigrationState) Clone() *MigrationState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Models != nil {
		out.Models = make([]ModelState, len(s.Models))
		for i, m := range s.Models {
			out.Models[i] = m.Clone()
		}
	}
	out.Errors = cloneStrings(s.Errors)
	if s.Assessment != nil {
		out.Assessment = s.Assessment.Clone()
	}
	if s.Planning != nil {
		out.Planning = s.Planning.Clone()
	}
	return &out
}

// ModelIndex returns the position of the named model or -1.
func (s *MigrationState) ModelIndex(name string) int {
	for i := range s.Models {
		if s.Models[i].Name == name {
			return i
		}
	}
	return -1
}

// Model returns a pointer into Models for the named model.
func (s *MigrationState) Model(name string) (*ModelState, bool) {
	idx := s.ModelIndex(name)
	if idx < 0 {
		return nil, false
	}
	return &s.Models[idx], true
}

// CurrentModel returns the model under the cursor, if any.
func (s *MigrationState) CurrentModel() (*ModelState, bool) {
	if s.CurrentModelIndex < 0 || s.CurrentModelIndex >= len(s.Models) {
		return nil, false
	}
	return &s.Models[s.CurrentModelIndex], true
}

// CountStatus returns how many models hold the given status.
func (s *MigrationState) CountStatus(status ModelStatus) int {
	count := 0
	for _, m := range s.Models {
		if m.Status == status {
			count++
		}
	}
	return count
}

// RecordError appends a run-level error.
func (s *MigrationState) RecordError(format string, args ...interface{}) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Validate checks structural invariants of a loaded snapshot.
func (s *MigrationState) Validate() error {
	if s == nil {
		return &ConfigurationError{Field: "state", Reason: "missing"}
	}
	if s.RunID == "" {
		return &ConfigurationError{Field: "run_id", Reason: "empty"}
	}
	if s.CurrentModelIndex < 0 || s.CurrentModelIndex > len(s.Models) {
		return &ConfigurationError{Field: "current_model_index", Reason: fmt.Sprintf("%d out of range [0,%d]", s.CurrentModelIndex, len(s.Models))}
	}
	seen := make(map[string]struct{}, len(s.Models))
	completed := 0
	for _, m := range s.Models {
		if _, dup := seen[m.Name]; dup {
			return &ConfigurationError{Field: "models", Reason: "duplicate model " + m.Name}
		}
		seen[m.Name] = struct{}{}
		if !m.Status.Valid() {
			return &ConfigurationError{Field: "models", Reason: fmt.Sprintf("model %s has unknown status %q", m.Name, m.Status)}
		}
		if m.Status == StatusCompleted {
			completed++
		}
	}
	if s.CompletedCount != completed {
		return &ConfigurationError{Field: "completed_count", Reason: fmt.Sprintf("%d does not match %d completed models", s.CompletedCount, completed)}
	}
	return nil
}
