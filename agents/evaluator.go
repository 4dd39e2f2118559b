package agents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/framework"
)

// EvaluatorAgent scores a tested model against its legacy source.
type EvaluatorAgent struct {
	Comparator framework.Comparator
	Logger     zerolog.Logger
}

func (e *EvaluatorAgent) Role() framework.Role { return framework.RoleEvaluator }

// Execute reports the comparison score. Threshold routing happens in the
// adapter, so a low score is still a successful evaluation.
func (e *EvaluatorAgent) Execute(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
	model, ok := actx.Model()
	if !ok {
		return nil, &framework.ConfigurationError{Field: "current_model", Reason: "evaluator requires a model"}
	}
	source, ok := actx.Metadata.Lookup(model.SourceObject)
	if !ok {
		return framework.FailedWith(e.Role(), model.Name, fmt.Errorf("source object %q not found in metadata", model.SourceObject)), nil
	}
	cmp, err := e.Comparator.Compare(ctx, source, *model, actx.DBTProjectPath)
	if err != nil {
		return nil, err
	}
	e.Logger.Debug().Str("model", model.Name).Float64("score", cmp.Score).Msg("model evaluated")
	return framework.Succeeded(e.Role(), model.Name, cmp), nil
}
