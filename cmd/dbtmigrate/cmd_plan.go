package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/lexcodex/dbtmigrate/agents"
	"github.com/lexcodex/dbtmigrate/framework"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

type planOutput struct {
	Assessment *framework.AssessmentReport `json:"assessment"`
	Plan       *framework.MigrationPlan    `json:"plan"`
}

func newPlanCmd() *cobra.Command {
	var metadataPath, format string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Assess a schema and print the migration plan without writing models",
		RunE: func(cmd *cobra.Command, args []string) error {
			if metadataPath == "" {
				return errors.New("--metadata is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			meta, err := framework.LoadMetadata(metadataPath)
			if err != nil {
				return err
			}
			rules, err := loadRules(cfg)
			if err != nil {
				return err
			}
			reasoner, err := newReasoner(cmd.Context(), cfg, rules, framework.NewZerologTelemetry(logger), nil)
			if err != nil {
				return err
			}
			actx := &framework.AgentContext{Metadata: meta}
			assessed, err := (&agents.AssessmentAgent{Reasoner: reasoner, Logger: logger}).Execute(cmd.Context(), actx)
			if err != nil {
				return err
			}
			if !assessed.Success {
				return fmt.Errorf("assessment failed: %s", strings.Join(assessed.Errors, "; "))
			}
			planned, err := (&agents.PlannerAgent{Logger: logger}).Execute(cmd.Context(), actx)
			if err != nil {
				return err
			}
			if !planned.Success {
				return fmt.Errorf("planning failed: %s", strings.Join(planned.Errors, "; "))
			}
			out := planOutput{
				Assessment: assessed.Data.(*framework.AssessmentReport),
				Plan:       planned.Data.(*framework.MigrationPlan),
			}
			if format == "json" {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			renderPlan(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&metadataPath, "metadata", "", "Schema metadata document (JSON or YAML)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text or json)")
	return cmd
}

func renderPlan(w io.Writer, out planOutput) {
	a := out.Assessment
	fmt.Fprintln(w, headingStyle.Render("Assessment"))
	fmt.Fprintf(w, "  objects %d (tables %d, views %d, procedures %d), columns %d, dependencies %d\n",
		a.TotalObjects, a.ObjectCounts[framework.KindTable], a.ObjectCounts[framework.KindView],
		a.ObjectCounts[framework.KindProcedure], a.TotalColumns, a.DependencyCount)
	fmt.Fprintf(w, "  strategy %s\n", a.Strategy)
	if len(a.ManualReview) > 0 {
		fmt.Fprintln(w, warnStyle.Render("  manual review: "+strings.Join(a.ManualReview, ", ")))
	}
	for _, rec := range a.Recommendations {
		fmt.Fprintf(w, "  - %s\n", rec)
	}

	fmt.Fprintln(w, headingStyle.Render("Plan"))
	for i, m := range out.Plan.Models {
		line := fmt.Sprintf("  %2d. %-32s %-12s %s", i+1, m.Name, m.Layer, m.SourceObject)
		if len(m.DependsOn) > 0 {
			line += mutedStyle.Render(" <- " + strings.Join(m.DependsOn, ", "))
		}
		fmt.Fprintln(w, line)
	}
	for _, warning := range out.Plan.Warnings {
		fmt.Fprintln(w, warnStyle.Render("  warning: "+warning))
	}
}
