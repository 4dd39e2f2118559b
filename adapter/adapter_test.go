package adapter

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/dbtmigrate/framework"
)

func plannedState(t *testing.T, a *Adapter, names ...string) *framework.MigrationState {
	t.Helper()
	state := framework.NewMigrationState("run-1", &framework.Metadata{Tables: []framework.SourceObject{{Name: "orders"}}}, "/out")
	plan := &framework.MigrationPlan{}
	for _, n := range names {
		plan.Models = append(plan.Models, framework.PlannedModel{Name: n, SourceObject: n, Kind: framework.KindTable, Layer: framework.LayerStaging})
	}
	next, err := a.ResultToState(framework.Succeeded(framework.RolePlanner, "", plan), state)
	require.NoError(t, err)
	return next
}

func apply(t *testing.T, a *Adapter, state *framework.MigrationState, result *framework.AgentResult) *framework.MigrationState {
	t.Helper()
	next, err := a.ResultToState(result, state)
	require.NoError(t, err)
	return next
}

func executed(model string) *framework.AgentResult {
	return framework.Succeeded(framework.RoleExecutor, model, &framework.ExecutionOutput{FilePath: "models/staging/" + model + ".sql"})
}

func testFailed(model, msg string) *framework.AgentResult {
	r := framework.Failed(framework.RoleTester, model, msg)
	r.Data = &framework.TestOutcome{Passed: false, Diagnostics: []string{msg}}
	return r
}

func testPassed(model string) *framework.AgentResult {
	return framework.Succeeded(framework.RoleTester, model, &framework.TestOutcome{Passed: true})
}

func rebuilt(model string) *framework.AgentResult {
	return framework.Succeeded(framework.RoleRebuilder, model, &framework.RebuildOutput{FilePath: "models/staging/" + model + ".sql", Fixes: []string{"fix"}})
}

func evaluated(model string, score float64) *framework.AgentResult {
	return framework.Succeeded(framework.RoleEvaluator, model, &framework.Comparison{Score: score})
}

func TestStateToContextShapesLegacyView(t *testing.T) {
	a := New(Policy{APIKey: "secret"})
	state := plannedState(t, a, "stg_a", "stg_b")
	state.Assessment = &framework.AssessmentReport{Strategy: "direct"}

	actx, err := a.StateToContext(state, framework.RoleExecutor, "stg_b")
	require.NoError(t, err)
	assert.Equal(t, "/out", actx.DBTProjectPath)
	assert.Equal(t, "stg_b", actx.CurrentModel)
	assert.Equal(t, "stg_b", actx.MigrationState.CurrentModel)
	assert.Equal(t, framework.PhaseExecution, actx.MigrationState.Phase)
	assert.Equal(t, "direct", actx.MigrationState.Assessment.Strategy)
	assert.Equal(t, "secret", actx.APIKey)
	model, ok := actx.Model()
	require.True(t, ok)
	assert.Equal(t, "stg_b", model.Name)

	// Agents mutating their view must not leak back into the workflow state.
	actx.MigrationState.Models[0].Status = framework.StatusFailed
	actx.MigrationState.Assessment.Strategy = "layered"
	assert.Equal(t, framework.StatusPending, state.Models[0].Status)
	assert.Equal(t, "direct", state.Assessment.Strategy)
}

func TestStateToContextRequiresModelForScopedRoles(t *testing.T) {
	a := New(DefaultPolicy())
	state := plannedState(t, a, "stg_a")
	for _, role := range []framework.Role{framework.RoleExecutor, framework.RoleTester, framework.RoleRebuilder, framework.RoleEvaluator} {
		_, err := a.StateToContext(state, role, "")
		var cfgErr *framework.ConfigurationError
		require.True(t, errors.As(err, &cfgErr), "role %s", role)
		_, err = a.StateToContext(state, role, "missing")
		require.Error(t, err)
	}
	_, err := a.StateToContext(state, framework.RoleAssessment, "")
	require.NoError(t, err)
	_, err = a.StateToContext(state, framework.Role("janitor"), "")
	require.Error(t, err)
}

func TestAssessmentAndPlanTransitions(t *testing.T) {
	a := New(DefaultPolicy())
	state := framework.NewMigrationState("run", &framework.Metadata{}, "/out")

	next := apply(t, a, state, framework.Succeeded(framework.RoleAssessment, "", &framework.AssessmentReport{TotalObjects: 2}))
	assert.Equal(t, framework.PhasePlanning, next.Phase)
	assert.Equal(t, 2, next.Assessment.TotalObjects)
	assert.Nil(t, state.Assessment)

	plan := &framework.MigrationPlan{Models: []framework.PlannedModel{{Name: "a"}, {Name: "b", DependsOn: []string{"a"}}}}
	next = apply(t, a, next, framework.Succeeded(framework.RolePlanner, "", plan))
	require.Len(t, next.Models, 2)
	assert.Equal(t, framework.PhaseExecution, next.Phase)
	for _, m := range next.Models {
		assert.Equal(t, framework.StatusPending, m.Status)
		assert.Zero(t, m.Attempts)
	}
	assert.Equal(t, []string{"a"}, next.Models[1].DependsOn)

	_, err := a.ResultToState(framework.Succeeded(framework.RolePlanner, "", plan), next)
	require.Error(t, err, "models may only be created once")
}

func TestFailedAssessmentRecordsRunError(t *testing.T) {
	a := New(DefaultPolicy())
	state := framework.NewMigrationState("run", &framework.Metadata{}, "/out")
	next := apply(t, a, state, framework.Failed(framework.RoleAssessment, "", "metadata contains no objects"))
	assert.Equal(t, framework.PhaseAssessment, next.Phase)
	assert.Nil(t, next.Assessment)
	assert.Equal(t, []string{"assessment: metadata contains no objects"}, next.Errors)
}

func TestHappyPathCompletesWithoutAttempts(t *testing.T) {
	a := New(DefaultPolicy())
	state := plannedState(t, a, "A")
	state = apply(t, a, state, executed("A"))
	assert.Equal(t, framework.StatusInProgress, state.Models[0].Status)
	assert.Equal(t, "models/staging/A.sql", state.Models[0].FilePath)
	state = apply(t, a, state, testPassed("A"))
	assert.Equal(t, framework.StatusEvaluating, state.Models[0].Status)
	state = apply(t, a, state, evaluated("A", 0.95))
	assert.Equal(t, framework.StatusCompleted, state.Models[0].Status)
	assert.Equal(t, 1, state.CompletedCount)
	assert.Zero(t, state.Models[0].Attempts)
	require.NotNil(t, state.Models[0].ValidationScore)
	assert.InDelta(t, 0.95, *state.Models[0].ValidationScore, 1e-9)
}

func TestTwoRebuildsThenSuccess(t *testing.T) {
	a := New(Policy{MaxAttempts: 3})
	state := plannedState(t, a, "X")
	state = apply(t, a, state, executed("X"))
	state = apply(t, a, state, testFailed("X", "syntax error near TOP"))
	assert.Equal(t, framework.StatusRebuilding, state.Models[0].Status)
	state = apply(t, a, state, rebuilt("X"))
	assert.Equal(t, framework.StatusTesting, state.Models[0].Status)
	state = apply(t, a, state, testFailed("X", "unknown column"))
	state = apply(t, a, state, rebuilt("X"))
	state = apply(t, a, state, testPassed("X"))
	state = apply(t, a, state, evaluated("X", 0.9))

	m := state.Models[0]
	assert.Equal(t, framework.StatusCompleted, m.Status)
	assert.Equal(t, 2, m.Attempts)
	assert.Equal(t, []string{"syntax error near TOP", "unknown column"}, m.Errors)
}

func TestBudgetExhaustionFailsModel(t *testing.T) {
	a := New(Policy{MaxAttempts: 3})
	state := plannedState(t, a, "Y")
	state = apply(t, a, state, executed("Y"))
	for i := 0; i < 3; i++ {
		state = apply(t, a, state, testFailed("Y", "still broken"))
		require.Equal(t, framework.StatusRebuilding, state.Models[0].Status)
		state = apply(t, a, state, rebuilt("Y"))
	}
	state = apply(t, a, state, testFailed("Y", "still broken"))

	m := state.Models[0]
	assert.Equal(t, framework.StatusFailed, m.Status)
	assert.Equal(t, 3, m.Attempts)
	assert.GreaterOrEqual(t, len(m.Errors), 3)
	assert.Contains(t, m.LastError(), "budget exhausted")
}

func TestLowScoreRoutesToRebuilder(t *testing.T) {
	a := New(Policy{MaxAttempts: 3, ValidationThreshold: 0.8})
	state := plannedState(t, a, "Z")
	state = apply(t, a, state, executed("Z"))
	state = apply(t, a, state, testPassed("Z"))
	state = apply(t, a, state, framework.Succeeded(framework.RoleEvaluator, "Z", &framework.Comparison{Score: 0.4, Discrepancies: []string{"row count 10 vs 4"}}))

	m := state.Models[0]
	assert.Equal(t, framework.StatusRebuilding, m.Status)
	assert.Zero(t, state.CompletedCount)
	require.NotNil(t, m.ValidationScore)
	assert.InDelta(t, 0.4, *m.ValidationScore, 1e-9)
	assert.Contains(t, m.LastError(), "below threshold")

	state = apply(t, a, state, rebuilt("Z"))
	assert.Equal(t, 1, state.Models[0].Attempts)
}

func TestExecutorFailureOffersSingleRebuild(t *testing.T) {
	a := New(DefaultPolicy())
	state := plannedState(t, a, "E")
	state = apply(t, a, state, framework.Failed(framework.RoleExecutor, "E", "template error"))
	assert.Equal(t, framework.StatusRebuilding, state.Models[0].Status)

	state = apply(t, a, state, framework.Failed(framework.RoleRebuilder, "E", "no fix"))
	m := state.Models[0]
	assert.Equal(t, framework.StatusFailed, m.Status)
	assert.Equal(t, 1, m.Attempts)
	assert.Contains(t, m.LastError(), "executor failure")
}

func TestExecutorFailureRecoveredByRebuild(t *testing.T) {
	a := New(DefaultPolicy())
	state := plannedState(t, a, "E")
	state = apply(t, a, state, framework.Failed(framework.RoleExecutor, "E", "template error"))
	state = apply(t, a, state, rebuilt("E"))
	m := state.Models[0]
	assert.Equal(t, framework.StatusTesting, m.Status)
	assert.Equal(t, "models/staging/E.sql", m.FilePath)

	// once a model exists, later rebuild failures draw on the normal budget
	state = apply(t, a, state, testFailed("E", "bad join"))
	state = apply(t, a, state, framework.Failed(framework.RoleRebuilder, "E", "no fix"))
	assert.Equal(t, framework.StatusRebuilding, state.Models[0].Status)
	assert.Equal(t, 2, state.Models[0].Attempts)
}

func TestInvalidScoresAreNotStored(t *testing.T) {
	for _, score := range []float64{1.7, -0.2, math.NaN(), math.Inf(1)} {
		a := New(DefaultPolicy())
		state := plannedState(t, a, "S")
		state = apply(t, a, state, executed("S"))
		state = apply(t, a, state, testPassed("S"))
		state = apply(t, a, state, evaluated("S", score))

		m := state.Models[0]
		assert.Equal(t, framework.StatusRebuilding, m.Status, "score %v", score)
		assert.Nil(t, m.ValidationScore, "score %v", score)
		assert.Zero(t, state.CompletedCount)
		assert.Contains(t, m.LastError(), "invalid score")
		_, err := json.Marshal(state)
		assert.NoError(t, err, "score %v", score)
	}
}

func TestBoundaryScoresAreAccepted(t *testing.T) {
	a := New(DefaultPolicy())
	state := plannedState(t, a, "S")
	state = apply(t, a, state, executed("S"))
	state = apply(t, a, state, testPassed("S"))
	state = apply(t, a, state, evaluated("S", 1))
	assert.Equal(t, framework.StatusCompleted, state.Models[0].Status)
	require.NotNil(t, state.Models[0].ValidationScore)
	assert.Equal(t, 1.0, *state.Models[0].ValidationScore)
}

func TestRebuildAtCapDoesNotIncrement(t *testing.T) {
	a := New(Policy{MaxAttempts: 2})
	state := plannedState(t, a, "R")
	state.Models[0].Status = framework.StatusRebuilding
	state.Models[0].Attempts = 2
	state = apply(t, a, state, rebuilt("R"))
	assert.Equal(t, 2, state.Models[0].Attempts)
	assert.Equal(t, framework.StatusFailed, state.Models[0].Status)
}

func TestTerminalModelsAreStable(t *testing.T) {
	a := New(DefaultPolicy())
	state := plannedState(t, a, "done", "dead")
	state.Models[0].Status = framework.StatusCompleted
	state.CompletedCount = 1
	state.Models[1].Status = framework.StatusFailed

	for _, r := range []*framework.AgentResult{executed("done"), testFailed("done", "x"), rebuilt("done"), evaluated("done", 0.1),
		executed("dead"), testPassed("dead"), rebuilt("dead"), evaluated("dead", 1)} {
		next := apply(t, a, state, r)
		assert.Equal(t, framework.StatusCompleted, next.Models[0].Status)
		assert.Equal(t, framework.StatusFailed, next.Models[1].Status)
		assert.Equal(t, 1, next.CompletedCount)
		assert.Zero(t, next.Models[1].Attempts)
	}
}

func TestRoundTripLeavesOtherModelsUntouched(t *testing.T) {
	a := New(DefaultPolicy())
	state := plannedState(t, a, "A", "B", "C")
	state.Models[2].Errors = []string{"keep me"}
	before := state.Clone()

	actx, err := a.StateToContext(state, framework.RoleTester, "B")
	require.NoError(t, err)
	next := apply(t, a, state, testFailed(actx.CurrentModel, "boom"))

	assert.Equal(t, before, state, "input state must not be mutated")
	assert.Equal(t, before.Models[0], next.Models[0])
	assert.Equal(t, before.Models[2], next.Models[2])
	assert.Equal(t, framework.StatusRebuilding, next.Models[1].Status)
}

func TestResultToStateIsDeterministic(t *testing.T) {
	a := New(DefaultPolicy())
	state := plannedState(t, a, "A")
	r := testFailed("A", "x")
	first := apply(t, a, state, r)
	second := apply(t, a, state, r)
	assert.Equal(t, first, second)
}

func TestResultToStateRejectsBadResults(t *testing.T) {
	a := New(DefaultPolicy())
	state := plannedState(t, a, "A")
	_, err := a.ResultToState(&framework.AgentResult{Role: "unknown"}, state)
	require.Error(t, err)
	_, err = a.ResultToState(framework.Succeeded(framework.RoleTester, "", &framework.TestOutcome{Passed: true}), state)
	require.Error(t, err)
	_, err = a.ResultToState(framework.Succeeded(framework.RoleTester, "A", &framework.Comparison{}), state)
	require.Error(t, err)
	_, err = a.ResultToState(nil, state)
	require.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	p := New(Policy{MaxAttempts: -1, ValidationThreshold: 2}).Policy()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultValidationThreshold, p.ValidationThreshold)
}
