package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/framework"
)

// RebuilderAgent repairs a model that failed testing or evaluation.
type RebuilderAgent struct {
	Writer   *ProjectWriter
	Renderer *Renderer
	Reasoner framework.Reasoner
	Logger   zerolog.Logger
}

func (r *RebuilderAgent) Role() framework.Role { return framework.RoleRebuilder }

// Execute asks the reasoner for a fix using the model's recorded errors and
// rewrites the file. A fix that changes nothing is reported as a failure.
func (r *RebuilderAgent) Execute(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
	model, ok := actx.Model()
	if !ok {
		return nil, &framework.ConfigurationError{Field: "current_model", Reason: "rebuilder requires a model"}
	}
	source, ok := actx.Metadata.Lookup(model.SourceObject)
	if !ok {
		return framework.FailedWith(r.Role(), model.Name, fmt.Errorf("source object %q not found in metadata", model.SourceObject)), nil
	}
	if err := r.Writer.EnsureProject(actx.DBTProjectPath, actx.Metadata); err != nil {
		return framework.FailedWith(r.Role(), model.Name, fmt.Errorf("prepare project: %w", err)), nil
	}
	sql, err := r.Writer.ReadModel(actx.DBTProjectPath, *model)
	if err != nil {
		return framework.FailedWith(r.Role(), model.Name, fmt.Errorf("read model: %w", err)), nil
	}
	regenerated := false
	if strings.TrimSpace(sql) == "" {
		sql, err = r.Renderer.Render(ctx, actx.Metadata, *model, actx.MigrationState.Models)
		if err != nil {
			return framework.FailedWith(r.Role(), model.Name, fmt.Errorf("render: %w", err)), nil
		}
		regenerated = true
	}
	fix, err := r.Reasoner.ProposeFix(ctx, framework.FixRequest{
		Model:  model.Name,
		SQL:    sql,
		Errors: model.Errors,
		Source: source,
	})
	if err != nil {
		return framework.FailedWith(r.Role(), model.Name, fmt.Errorf("propose fix: %w", err)), nil
	}
	fixes := append([]string(nil), fix.Applied...)
	if regenerated {
		fixes = append([]string{"regenerated"}, fixes...)
	}
	if len(fixes) == 0 || strings.TrimSpace(fix.SQL) == "" {
		return framework.Failed(r.Role(), model.Name, "no applicable fix found"), nil
	}
	rel, err := r.Writer.WriteModel(actx.DBTProjectPath, *model, fix.SQL)
	if err != nil {
		return framework.FailedWith(r.Role(), model.Name, err), nil
	}
	r.Logger.Info().Str("model", model.Name).Strs("fixes", fixes).Int("attempt", model.Attempts+1).Msg("model rebuilt")
	result := framework.Succeeded(r.Role(), model.Name, &framework.RebuildOutput{FilePath: rel, Fixes: fixes})
	result.NextAgent = framework.RoleTester
	return result, nil
}
