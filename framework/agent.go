package framework

import (
	"context"
	"fmt"
)

// Role identifies one of the six migration agents.
type Role string

const (
	RoleAssessment Role = "assessment"
	RolePlanner    Role = "planner"
	RoleExecutor   Role = "executor"
	RoleTester     Role = "tester"
	RoleRebuilder  Role = "rebuilder"
	RoleEvaluator  Role = "evaluator"
)

// Roles lists every role in pipeline order.
var Roles = []Role{RoleAssessment, RolePlanner, RoleExecutor, RoleTester, RoleRebuilder, RoleEvaluator}

// ModelScoped reports whether the role operates on a single model.
func (r Role) ModelScoped() bool {
	switch r {
	case RoleExecutor, RoleTester, RoleRebuilder, RoleEvaluator:
		return true
	}
	return false
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// LegacyState is the nested view of the run handed to agents.
type LegacyState struct {
	Phase        Phase             `json:"phase"`
	Models       []ModelState      `json:"models"`
	CurrentModel string            `json:"current_model,omitempty"`
	Assessment   *AssessmentReport `json:"assessment,omitempty"`
	Planning     *MigrationPlan    `json:"planning,omitempty"`
}

// AgentContext is the input contract of every agent.
type AgentContext struct {
	Metadata       *Metadata   `json:"metadata"`
	DBTProjectPath string      `json:"dbt_project_path"`
	CurrentModel   string      `json:"current_model,omitempty"`
	MigrationState LegacyState `json:"migration_state"`
	APIKey         string      `json:"api_key,omitempty"`
}

// Model returns the model named by CurrentModel.
func (c *AgentContext) Model() (*ModelState, bool) {
	if c == nil || c.CurrentModel == "" {
		return nil, false
	}
	for i := range c.MigrationState.Models {
		if c.MigrationState.Models[i].Name == c.CurrentModel {
			return &c.MigrationState.Models[i], true
		}
	}
	return nil, false
}

// Payload is the closed set of role-specific result data.
type Payload interface {
	payloadRole() Role
}

// AgentResult is the output contract of every agent.
type AgentResult struct {
	Success bool
	Role    Role
	Model   string
	Data    Payload
	Errors  []string
	// NextAgent is advisory; the state machine decides.
	NextAgent Role
}

// Succeeded builds a successful result.
func Succeeded(role Role, model string, data Payload) *AgentResult {
	return &AgentResult{Success: true, Role: role, Model: model, Data: data}
}

// Failed builds a failed result carrying the given messages.
func Failed(role Role, model string, errs ...string) *AgentResult {
	return &AgentResult{Role: role, Model: model, Errors: errs}
}

// FailedWith builds a failed result from an error.
func FailedWith(role Role, model string, err error) *AgentResult {
	return Failed(role, model, err.Error())
}

// Agent executes one migration role.
type Agent interface {
	Role() Role
	Execute(ctx context.Context, actx *AgentContext) (*AgentResult, error)
}

// ObjectComplexity scores how hard a single object is to migrate.
type ObjectComplexity struct {
	Object string     `json:"object"`
	Kind   ObjectKind `json:"kind"`
	Score  int        `json:"score"`
	Level  string     `json:"level"`
	Notes  []string   `json:"notes,omitempty"`
}

// AssessmentReport is produced once per run by the Assessment agent.
type AssessmentReport struct {
	ObjectCounts    map[ObjectKind]int `json:"object_counts"`
	TotalObjects    int                `json:"total_objects"`
	TotalColumns    int                `json:"total_columns"`
	DependencyCount int                `json:"dependency_count"`
	Complexity      []ObjectComplexity `json:"complexity"`
	ManualReview    []string           `json:"manual_review,omitempty"`
	Strategy        string             `json:"strategy"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

func (*AssessmentReport) payloadRole() Role { return RoleAssessment }

// Clone deep copies the report.
func (r *AssessmentReport) Clone() *AssessmentReport {
	out := *r
	if r.ObjectCounts != nil {
		out.ObjectCounts = make(map[ObjectKind]int, len(r.ObjectCounts))
		for k, v := range r.ObjectCounts {
			out.ObjectCounts[k] = v
		}
	}
	if r.Complexity != nil {
		out.Complexity = make([]ObjectComplexity, len(r.Complexity))
		for i, c := range r.Complexity {
			c.Notes = cloneStrings(c.Notes)
			out.Complexity[i] = c
		}
	}
	out.ManualReview = cloneStrings(r.ManualReview)
	out.Recommendations = cloneStrings(r.Recommendations)
	return &out
}

// PlannedModel is one entry in the ordered migration plan.
type PlannedModel struct {
	Name         string     `json:"name"`
	SourceObject string     `json:"source_object"`
	Kind         ObjectKind `json:"kind"`
	Layer        Layer      `json:"layer"`
	DependsOn    []string   `json:"depends_on,omitempty"`
}

// MigrationPlan lists models in the order they must be migrated.
type MigrationPlan struct {
	Models   []PlannedModel `json:"models"`
	Warnings []string       `json:"warnings,omitempty"`
}

func (*MigrationPlan) payloadRole() Role { return RolePlanner }

// Clone deep copies the plan.
func (p *MigrationPlan) Clone() *MigrationPlan {
	out := &MigrationPlan{Warnings: cloneStrings(p.Warnings)}
	if p.Models != nil {
		out.Models = make([]PlannedModel, len(p.Models))
		for i, m := range p.Models {
			m.DependsOn = cloneStrings(m.DependsOn)
			out.Models[i] = m
		}
	}
	return out
}

// ExecutionOutput is the Executor payload.
type ExecutionOutput struct {
	FilePath string `json:"file_path"`
}

func (*ExecutionOutput) payloadRole() Role { return RoleExecutor }

// TestOutcome is the Tester payload.
type TestOutcome struct {
	Passed      bool     `json:"passed"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

func (*TestOutcome) payloadRole() Role { return RoleTester }

// RebuildOutput is the Rebuilder payload.
type RebuildOutput struct {
	FilePath string   `json:"file_path"`
	Fixes    []string `json:"fixes,omitempty"`
}

func (*RebuildOutput) payloadRole() Role { return RoleRebuilder }

// Comparison is the Evaluator payload.
type Comparison struct {
	Score         float64  `json:"score"`
	Discrepancies []string `json:"discrepancies,omitempty"`
}

func (*Comparison) payloadRole() Role { return RoleEvaluator }

// CheckPayload verifies that data belongs to role.
func CheckPayload(role Role, data Payload) error {
	if data == nil {
		return nil
	}
	if data.payloadRole() != role {
		return &ConfigurationError{Field: "data", Reason: fmt.Sprintf("%s payload returned by %s agent", data.payloadRole(), role)}
	}
	return nil
}
