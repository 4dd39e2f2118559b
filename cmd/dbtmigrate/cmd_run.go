package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexcodex/dbtmigrate/cmd/internal/migratecfg"
	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/llm"
	"github.com/lexcodex/dbtmigrate/persistence"
	"github.com/lexcodex/dbtmigrate/workflow"
)

// runFlags are the per-invocation overrides shared by run and resume.
type runFlags struct {
	maxAttempts  int
	threshold    float64
	agentTimeout time.Duration
	archive      bool
	store        string
	storeDSN     string
	compiler     string
	comparator   string
	llmProvider  string
	llmModel     string
	metricsAddr  string
	traceFile    string
	format       string
}

func (f *runFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&f.maxAttempts, "max-attempts", 0, "Rebuild attempts per model")
	fs.Float64Var(&f.threshold, "threshold", 0, "Minimum validation score for a model to complete")
	fs.DurationVar(&f.agentTimeout, "agent-timeout", 0, "Timeout for a single agent call")
	fs.BoolVar(&f.archive, "archive", false, "Archive the snapshot once the run finishes")
	fs.StringVar(&f.store, "store", "", "Snapshot store (file, sqlite, redis)")
	fs.StringVar(&f.storeDSN, "store-dsn", "", "Snapshot directory, SQLite file or redis:// URL")
	fs.StringVar(&f.compiler, "backend", "", "Compile backend (dbt or static)")
	fs.StringVar(&f.comparator, "comparator", "", "Evaluation backend (structural or sql)")
	fs.StringVar(&f.llmProvider, "llm-provider", "", "Language model provider (none, ollama, openai, deepseek, claude)")
	fs.StringVar(&f.llmModel, "llm-model", "", "Language model name")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	fs.StringVar(&f.traceFile, "trace-file", "", "Append telemetry events as JSON lines to this file")
	fs.StringVar(&f.format, "format", "text", "Report format (text or json)")
}

// apply copies the flags the user set onto cfg.
func (f *runFlags) apply(cmd *cobra.Command, cfg *migratecfg.Config) error {
	changed := cmd.Flags().Changed
	if changed("max-attempts") {
		cfg.Run.MaxAttempts = f.maxAttempts
	}
	if changed("threshold") {
		cfg.Run.ValidationThreshold = f.threshold
	}
	if changed("agent-timeout") {
		cfg.Run.AgentTimeout = f.agentTimeout
	}
	if changed("archive") {
		cfg.Run.Archive = f.archive
	}
	if changed("store") {
		cfg.Store.Driver = f.store
	}
	if changed("store-dsn") {
		if cfg.Store.Driver == persistence.DriverRedis {
			cfg.Store.URL = f.storeDSN
		} else {
			cfg.Store.Path = f.storeDSN
		}
	}
	if changed("backend") {
		cfg.Backend.Compiler = f.compiler
	}
	if changed("comparator") {
		cfg.Backend.Comparator = f.comparator
	}
	if changed("llm-provider") {
		cfg.LLM.Provider = llm.Provider(f.llmProvider)
	}
	if changed("llm-model") {
		cfg.LLM.Model = f.llmModel
	}
	if changed("trace-file") {
		cfg.Logging.TraceFile = f.traceFile
	}
	switch f.format {
	case "text", "json":
	default:
		return &framework.ConfigurationError{Field: "format", Reason: fmt.Sprintf("unknown format %q", f.format)}
	}
	return cfg.Validate()
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	var metadataPath, projectPath, runID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Assess, plan and migrate a legacy schema into a dbt project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if metadataPath == "" {
				return errors.New("--metadata is required")
			}
			meta, err := framework.LoadMetadata(metadataPath)
			if err != nil {
				return err
			}
			return execute(cmd, &flags, func(rt *migrationRuntime) (*workflow.FinalReport, error) {
				return rt.runner.Run(cmd.Context(), meta, projectPath, rt.runConfig(runID))
			})
		},
	}
	cmd.Flags().StringVar(&metadataPath, "metadata", "", "Schema metadata document (JSON or YAML)")
	cmd.Flags().StringVar(&projectPath, "project", "dbt_project", "Output dbt project directory")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (generated when empty)")
	flags.register(cmd)
	return cmd
}

func newResumeCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a stopped or interrupted run from its snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, &flags, func(rt *migrationRuntime) (*workflow.FinalReport, error) {
				return rt.runner.Resume(cmd.Context(), args[0], rt.runConfig(args[0]))
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// execute builds the runtime, runs fn and prints its report. The report is
// printed even when the run failed.
func execute(cmd *cobra.Command, flags *runFlags, fn func(rt *migrationRuntime) (*workflow.FinalReport, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := flags.apply(cmd, cfg); err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	stopMetrics := rt.serveMetrics(flags.metricsAddr)
	defer stopMetrics()

	report, runErr := fn(rt)
	if report != nil {
		if err := printReport(cmd.OutOrStdout(), report, flags.format); err != nil {
			return err
		}
	}
	return runErr
}

func printReport(w io.Writer, report *workflow.FinalReport, format string) error {
	if format == "json" {
		return report.WriteJSON(w)
	}
	_, err := fmt.Fprintln(w, report.Render())
	return err
}
