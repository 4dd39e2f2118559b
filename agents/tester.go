package agents

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/framework"
)

// TesterAgent compiles and tests a written model through the backend.
type TesterAgent struct {
	Compiler framework.Compiler
	Logger   zerolog.Logger
}

func (t *TesterAgent) Role() framework.Role { return framework.RoleTester }

// Execute runs the backend. Backend errors are returned so the workflow can
// tell an unavailable toolchain apart from a failing model.
func (t *TesterAgent) Execute(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
	model, ok := actx.Model()
	if !ok {
		return nil, &framework.ConfigurationError{Field: "current_model", Reason: "tester requires a model"}
	}
	if model.FilePath == "" {
		return framework.Failed(t.Role(), model.Name, "model has no file to test"), nil
	}
	res, err := t.Compiler.CompileAndTest(ctx, actx.DBTProjectPath, *model)
	if err != nil {
		return nil, err
	}
	outcome := &framework.TestOutcome{Passed: res.Passed, Diagnostics: res.Diagnostics}
	t.Logger.Debug().Str("model", model.Name).Bool("passed", res.Passed).Int("diagnostics", len(res.Diagnostics)).Msg("model tested")
	if !res.Passed {
		result := framework.Failed(t.Role(), model.Name, res.Diagnostics...)
		result.Data = outcome
		result.NextAgent = framework.RoleRebuilder
		return result, nil
	}
	result := framework.Succeeded(t.Role(), model.Name, outcome)
	result.NextAgent = framework.RoleEvaluator
	return result, nil
}
