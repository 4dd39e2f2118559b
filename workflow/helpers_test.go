package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/dbtmigrate/agents"
	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/metrics"
	"github.com/lexcodex/dbtmigrate/persistence"
)

type funcAgent struct {
	role framework.Role
	fn   func(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error)
}

func (a *funcAgent) Role() framework.Role { return a.role }

func (a *funcAgent) Execute(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
	return a.fn(ctx, actx)
}

// script drives fake agents deterministically from model state, so an
// interrupted and resumed run sees the same responses as an uninterrupted one.
type script struct {
	mu sync.Mutex
	// testFailures is how many rebuild attempts a model needs before its tests
	// pass; absent means pass immediately.
	testFailures map[string]int
	// score returns the evaluator score for a model at the given attempts.
	score func(model string, attempts int) float64
	// beforeTest runs inside the tester call.
	beforeTest func(model string)
	// testErr makes the tester return a Go error.
	testErr error
	calls   []string
}

func (s *script) record(role framework.Role, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("%s:%s", role, model))
}

func (s *script) callsFor(role framework.Role) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	prefix := string(role) + ":"
	for _, c := range s.calls {
		if len(c) > len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c[len(prefix):])
		}
	}
	return out
}

func (s *script) registry(t *testing.T, modelNames ...string) *agents.Registry {
	t.Helper()
	reg := agents.NewRegistry()
	add := func(role framework.Role, fn func(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error)) {
		require.NoError(t, reg.Register(&funcAgent{role: role, fn: fn}))
	}
	add(framework.RoleAssessment, func(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
		s.record(framework.RoleAssessment, "")
		return framework.Succeeded(framework.RoleAssessment, "", &framework.AssessmentReport{
			TotalObjects: len(modelNames),
			Strategy:     agents.StrategyDirect,
		}), nil
	})
	add(framework.RolePlanner, func(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
		s.record(framework.RolePlanner, "")
		plan := &framework.MigrationPlan{}
		for _, name := range modelNames {
			plan.Models = append(plan.Models, framework.PlannedModel{
				Name:         name,
				SourceObject: "dbo." + name,
				Kind:         framework.KindTable,
				Layer:        framework.LayerStaging,
			})
		}
		return framework.Succeeded(framework.RolePlanner, "", plan), nil
	})
	add(framework.RoleExecutor, func(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
		s.record(framework.RoleExecutor, actx.CurrentModel)
		return framework.Succeeded(framework.RoleExecutor, actx.CurrentModel, &framework.ExecutionOutput{
			FilePath: "models/staging/" + actx.CurrentModel + ".sql",
		}), nil
	})
	add(framework.RoleTester, func(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
		s.record(framework.RoleTester, actx.CurrentModel)
		if s.beforeTest != nil {
			s.beforeTest(actx.CurrentModel)
		}
		if s.testErr != nil {
			return nil, s.testErr
		}
		model, _ := actx.Model()
		if failures, ok := s.testFailures[actx.CurrentModel]; ok && model.Attempts < failures {
			diag := fmt.Sprintf("compile error in %s (attempt %d)", model.Name, model.Attempts)
			res := framework.Failed(framework.RoleTester, model.Name, diag)
			res.Data = &framework.TestOutcome{Diagnostics: []string{diag}}
			return res, nil
		}
		return framework.Succeeded(framework.RoleTester, actx.CurrentModel, &framework.TestOutcome{Passed: true}), nil
	})
	add(framework.RoleRebuilder, func(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
		s.record(framework.RoleRebuilder, actx.CurrentModel)
		model, _ := actx.Model()
		return framework.Succeeded(framework.RoleRebuilder, model.Name, &framework.RebuildOutput{
			FilePath: model.FilePath,
			Fixes:    []string{"rewrite"},
		}), nil
	})
	add(framework.RoleEvaluator, func(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
		s.record(framework.RoleEvaluator, actx.CurrentModel)
		model, _ := actx.Model()
		score := 1.0
		if s.score != nil {
			score = s.score(model.Name, model.Attempts)
		}
		return framework.Succeeded(framework.RoleEvaluator, model.Name, &framework.Comparison{Score: score}), nil
	})
	return reg
}

func tableMetadata(names ...string) *framework.Metadata {
	meta := &framework.Metadata{}
	for _, name := range names {
		meta.Tables = append(meta.Tables, framework.SourceObject{
			Schema:  "dbo",
			Name:    name,
			Columns: []framework.Column{{Name: "id", Type: "int"}},
		})
	}
	return meta
}

func newTestRunner(t *testing.T, reg AgentSource, store persistence.SnapshotStore, m *metrics.Metrics) *Runner {
	t.Helper()
	runner, err := NewRunner(RunnerOptions{Agents: reg, Store: store, StoreName: "file", Metrics: m})
	require.NoError(t, err)
	return runner
}

func fileStore(t *testing.T) *persistence.FileSnapshotStore {
	t.Helper()
	store, err := persistence.NewFileSnapshotStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func modelReport(t *testing.T, report *FinalReport, name string) ModelReport {
	t.Helper()
	for _, m := range report.Models {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("model %s not in report", name)
	return ModelReport{}
}

func counterValue(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; ok {
			if v != p.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

type failingStore struct {
	persistence.SnapshotStore
	err error
}

func (f failingStore) Save(ctx context.Context, state *framework.MigrationState) error {
	return f.err
}
