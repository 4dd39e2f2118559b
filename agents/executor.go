package agents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/framework"
)

// ExecutorAgent renders a model and writes it into the dbt project.
type ExecutorAgent struct {
	Writer   *ProjectWriter
	Renderer *Renderer
	Logger   zerolog.Logger
}

func (e *ExecutorAgent) Role() framework.Role { return framework.RoleExecutor }

// Execute writes the current model and reports its project-relative path.
func (e *ExecutorAgent) Execute(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
	model, ok := actx.Model()
	if !ok {
		return nil, &framework.ConfigurationError{Field: "current_model", Reason: "executor requires a model"}
	}
	if err := e.Writer.EnsureProject(actx.DBTProjectPath, actx.Metadata); err != nil {
		return framework.FailedWith(e.Role(), model.Name, fmt.Errorf("prepare project: %w", err)), nil
	}
	sql, err := e.Renderer.Render(ctx, actx.Metadata, *model, actx.MigrationState.Models)
	if err != nil {
		return framework.FailedWith(e.Role(), model.Name, fmt.Errorf("render: %w", err)), nil
	}
	rel, err := e.Writer.WriteModel(actx.DBTProjectPath, *model, sql)
	if err != nil {
		return framework.FailedWith(e.Role(), model.Name, err), nil
	}
	e.Logger.Debug().Str("model", model.Name).Str("path", rel).Msg("model written")
	return framework.Succeeded(e.Role(), model.Name, &framework.ExecutionOutput{FilePath: rel}), nil
}
