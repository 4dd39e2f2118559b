package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lexcodex/dbtmigrate/cmd/internal/migratecfg"
	"github.com/lexcodex/dbtmigrate/framework"
)

var (
	flagWorkspace string
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dbtmigrate",
		Short:         "Migrate a legacy SQL schema into a dbt project",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagWorkspace, "workspace", ".", "Workspace root holding dbtmigrate_cfg/")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default <workspace>/dbtmigrate_cfg/config.yaml)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format (console or json)")

	root.AddCommand(newRunCmd(), newResumeCmd(), newPlanCmd(), newSnapshotCmd(), newReportCmd(), newConfigCmd())
	return root
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return migratecfg.DefaultPath(flagWorkspace)
}

// loadConfig resolves file, environment and global flags, in that order.
func loadConfig() (*migratecfg.Config, error) {
	cfg, err := migratecfg.Resolve(configPath(), flagWorkspace)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg migratecfg.LoggingSettings, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), &framework.ConfigurationError{Field: "logging.level", Reason: err.Error()}
		}
		level = parsed
	}
	out := w
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
