// Package adapter translates between the flat MigrationState owned by the
// workflow and the AgentContext/AgentResult pair consumed by agents. Both
// directions are pure: inputs are never mutated and no I/O happens here.
package adapter

import (
	"fmt"
	"math"

	"github.com/lexcodex/dbtmigrate/framework"
)

const (
	DefaultMaxAttempts         = 3
	DefaultValidationThreshold = 0.8
)

// Policy carries the knobs the adapter needs to route results.
type Policy struct {
	MaxAttempts         int
	ValidationThreshold float64
	APIKey              string
}

// DefaultPolicy returns the default retry budget and acceptance threshold.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, ValidationThreshold: DefaultValidationThreshold}
}

// Adapter is the translation boundary between workflow and agents.
type Adapter struct {
	policy Policy
}

// New builds an adapter, filling unset policy values with defaults.
func New(policy Policy) *Adapter {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.ValidationThreshold <= 0 || policy.ValidationThreshold > 1 {
		policy.ValidationThreshold = DefaultValidationThreshold
	}
	return &Adapter{policy: policy}
}

// Policy returns the effective policy.
func (a *Adapter) Policy() Policy { return a.policy }

// StateToContext builds the agent input for role. modelName is required for
// model-scoped roles and must name a model in state.
func (a *Adapter) StateToContext(state *framework.MigrationState, role framework.Role, modelName string) (*framework.AgentContext, error) {
	if state == nil {
		return nil, &framework.ConfigurationError{Field: "state", Reason: "missing"}
	}
	if !role.Valid() {
		return nil, &framework.ConfigurationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	if role.ModelScoped() {
		if modelName == "" {
			return nil, &framework.ConfigurationError{Field: "model_name", Reason: fmt.Sprintf("required for %s agent", role)}
		}
		if state.ModelIndex(modelName) < 0 {
			return nil, &framework.ConfigurationError{Field: "model_name", Reason: fmt.Sprintf("unknown model %q", modelName)}
		}
	}
	models := make([]framework.ModelState, len(state.Models))
	for i, m := range state.Models {
		models[i] = m.Clone()
	}
	legacy := framework.LegacyState{
		Phase:        state.Phase,
		Models:       models,
		CurrentModel: modelName,
	}
	if state.Assessment != nil {
		legacy.Assessment = state.Assessment.Clone()
	}
	if state.Planning != nil {
		legacy.Planning = state.Planning.Clone()
	}
	return &framework.AgentContext{
		Metadata:       state.Metadata,
		DBTProjectPath: state.ProjectPath,
		CurrentModel:   modelName,
		MigrationState: legacy,
		APIKey:         a.policy.APIKey,
	}, nil
}

// ResultToState folds an agent result into a copy of state.
func (a *Adapter) ResultToState(result *framework.AgentResult, state *framework.MigrationState) (*framework.MigrationState, error) {
	if result == nil {
		return nil, &framework.ConfigurationError{Field: "result", Reason: "missing"}
	}
	if state == nil {
		return nil, &framework.ConfigurationError{Field: "state", Reason: "missing"}
	}
	if err := framework.CheckPayload(result.Role, result.Data); err != nil {
		return nil, err
	}
	next := state.Clone()
	switch result.Role {
	case framework.RoleAssessment:
		return next, a.applyAssessment(result, next)
	case framework.RolePlanner:
		return next, a.applyPlan(result, next)
	case framework.RoleExecutor, framework.RoleTester, framework.RoleRebuilder, framework.RoleEvaluator:
		model, err := a.target(result, next)
		if err != nil {
			return nil, err
		}
		if model.Status.Terminal() {
			return next, nil
		}
		switch result.Role {
		case framework.RoleExecutor:
			a.applyExecution(result, next, model)
		case framework.RoleTester:
			a.applyTest(result, next, model)
		case framework.RoleRebuilder:
			a.applyRebuild(result, next, model)
		case framework.RoleEvaluator:
			a.applyEvaluation(result, next, model)
		}
		return next, nil
	default:
		return nil, &framework.ConfigurationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", result.Role)}
	}
}

func (a *Adapter) target(result *framework.AgentResult, state *framework.MigrationState) (*framework.ModelState, error) {
	if result.Model == "" {
		return nil, &framework.ConfigurationError{Field: "model", Reason: fmt.Sprintf("%s result names no model", result.Role)}
	}
	model, ok := state.Model(result.Model)
	if !ok {
		return nil, &framework.ConfigurationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", result.Model)}
	}
	return model, nil
}

func (a *Adapter) applyAssessment(result *framework.AgentResult, state *framework.MigrationState) error {
	report, _ := result.Data.(*framework.AssessmentReport)
	if !result.Success || report == nil {
		recordRunErrors(state, "assessment", result.Errors)
		return nil
	}
	state.Assessment = report.Clone()
	state.Phase = framework.PhasePlanning
	return nil
}

func (a *Adapter) applyPlan(result *framework.AgentResult, state *framework.MigrationState) error {
	plan, _ := result.Data.(*framework.MigrationPlan)
	if !result.Success || plan == nil {
		recordRunErrors(state, "planner", result.Errors)
		return nil
	}
	if len(state.Models) > 0 {
		return &framework.ConfigurationError{Field: "models", Reason: "already initialised by an earlier plan"}
	}
	state.Planning = plan.Clone()
	state.Models = make([]framework.ModelState, 0, len(plan.Models))
	for _, pm := range plan.Models {
		state.Models = append(state.Models, framework.ModelState{
			Name:         pm.Name,
			SourceObject: pm.SourceObject,
			Kind:         pm.Kind,
			Layer:        pm.Layer,
			DependsOn:    append([]string(nil), pm.DependsOn...),
			Status:       framework.StatusPending,
			Attempts:     0,
			Errors:       []string{},
		})
	}
	state.CurrentModelIndex = 0
	state.Phase = framework.PhaseExecution
	return nil
}

func (a *Adapter) applyExecution(result *framework.AgentResult, state *framework.MigrationState, model *framework.ModelState) {
	out, _ := result.Data.(*framework.ExecutionOutput)
	if result.Success && out != nil && out.FilePath != "" {
		model.FilePath = out.FilePath
		model.Status = framework.StatusInProgress
		state.Phase = framework.PhaseTesting
		return
	}
	errs := result.Errors
	if len(errs) == 0 {
		errs = []string{"executor produced no artifact"}
	}
	a.recordModelErrors(state, model, errs)
	a.routeToRebuild(state, model)
}

func (a *Adapter) applyTest(result *framework.AgentResult, state *framework.MigrationState, model *framework.ModelState) {
	outcome, _ := result.Data.(*framework.TestOutcome)
	passed := result.Success && (outcome == nil || outcome.Passed)
	if passed {
		model.Status = framework.StatusEvaluating
		state.Phase = framework.PhaseEvaluating
		return
	}
	errs := result.Errors
	if len(errs) == 0 && outcome != nil {
		errs = outcome.Diagnostics
	}
	if len(errs) == 0 {
		errs = []string{"tests failed without diagnostics"}
	}
	a.recordModelErrors(state, model, errs)
	a.routeToRebuild(state, model)
}

func (a *Adapter) applyRebuild(result *framework.AgentResult, state *framework.MigrationState, model *framework.ModelState) {
	if model.Attempts >= a.policy.MaxAttempts {
		a.exhaust(state, model)
		return
	}
	model.Attempts++
	out, _ := result.Data.(*framework.RebuildOutput)
	if result.Success {
		if out != nil && out.FilePath != "" {
			model.FilePath = out.FilePath
		}
		model.Status = framework.StatusTesting
		state.Phase = framework.PhaseTesting
		return
	}
	errs := result.Errors
	if len(errs) == 0 {
		errs = []string{"rebuilder found no applicable fix"}
	}
	a.recordModelErrors(state, model, errs)
	if model.FilePath == "" {
		// generation never produced a model; the single rebuild offered has failed
		a.recordModelErrors(state, model, []string{"no model generated after executor failure and rebuild"})
		model.Status = framework.StatusFailed
		state.Phase = framework.PhaseExecution
		return
	}
	if model.Attempts >= a.policy.MaxAttempts {
		a.exhaust(state, model)
		return
	}
	model.Status = framework.StatusRebuilding
	state.Phase = framework.PhaseRebuilding
}

func (a *Adapter) applyEvaluation(result *framework.AgentResult, state *framework.MigrationState, model *framework.ModelState) {
	cmp, _ := result.Data.(*framework.Comparison)
	if cmp != nil && !validScore(cmp.Score) {
		a.recordModelErrors(state, model, []string{fmt.Sprintf("comparator returned invalid score %v", cmp.Score)})
		a.routeToRebuild(state, model)
		return
	}
	if cmp != nil {
		score := cmp.Score
		model.ValidationScore = &score
	}
	if result.Success && cmp != nil && cmp.Score >= a.policy.ValidationThreshold {
		model.Status = framework.StatusCompleted
		state.CompletedCount++
		state.Phase = framework.PhaseExecution
		return
	}
	errs := result.Errors
	if result.Success && cmp != nil {
		errs = []string{(&framework.ValidationFailure{
			Model:         model.Name,
			Score:         cmp.Score,
			Threshold:     a.policy.ValidationThreshold,
			Discrepancies: cmp.Discrepancies,
		}).Error()}
	}
	if len(errs) == 0 {
		errs = []string{"evaluation failed"}
	}
	a.recordModelErrors(state, model, errs)
	a.routeToRebuild(state, model)
}

func validScore(score float64) bool {
	return !math.IsNaN(score) && score >= 0 && score <= 1
}

// routeToRebuild sends a failed check to the Rebuilder while budget remains.
func (a *Adapter) routeToRebuild(state *framework.MigrationState, model *framework.ModelState) {
	if model.Attempts < a.policy.MaxAttempts {
		model.Status = framework.StatusRebuilding
		state.Phase = framework.PhaseRebuilding
		return
	}
	a.exhaust(state, model)
}

func (a *Adapter) exhaust(state *framework.MigrationState, model *framework.ModelState) {
	budget := &framework.BudgetExhausted{Model: model.Name, Attempts: model.Attempts, Max: a.policy.MaxAttempts}
	a.recordModelErrors(state, model, []string{budget.Error()})
	model.Status = framework.StatusFailed
	state.Phase = framework.PhaseExecution
}

func (a *Adapter) recordModelErrors(state *framework.MigrationState, model *framework.ModelState, errs []string) {
	for _, msg := range errs {
		model.Errors = append(model.Errors, msg)
		state.RecordError("%s: %s", model.Name, msg)
	}
}

func recordRunErrors(state *framework.MigrationState, role string, errs []string) {
	if len(errs) == 0 {
		errs = []string{"agent reported failure"}
	}
	for _, msg := range errs {
		state.RecordError("%s: %s", role, msg)
	}
}
