package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/agents"
	"github.com/lexcodex/dbtmigrate/backend"
	"github.com/lexcodex/dbtmigrate/cmd/internal/migratecfg"
	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/llm"
	"github.com/lexcodex/dbtmigrate/metrics"
	"github.com/lexcodex/dbtmigrate/persistence"
	"github.com/lexcodex/dbtmigrate/workflow"
)

// migrationRuntime holds everything a run or resume needs.
type migrationRuntime struct {
	cfg       *migratecfg.Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	telemetry framework.Telemetry
	store     persistence.SnapshotStore
	runner    *workflow.Runner
	closers   []io.Closer
}

func (rt *migrationRuntime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newTelemetry(cfg *migratecfg.Config, logger zerolog.Logger) (framework.Telemetry, io.Closer, error) {
	sink := framework.NewZerologTelemetry(logger)
	if cfg.Logging.TraceFile == "" {
		return sink, nil, nil
	}
	trace, err := framework.NewJSONFileTelemetry(cfg.Logging.TraceFile)
	if err != nil {
		return nil, nil, err
	}
	return framework.MultiplexTelemetry{Sinks: []framework.Telemetry{sink, trace}}, trace, nil
}

func loadRules(cfg *migratecfg.Config) (*agents.Ruleset, error) {
	if cfg.Rules == "" {
		return agents.DefaultRuleset(), nil
	}
	return agents.LoadRuleset(cfg.Rules)
}

// newReasoner picks the language-model reasoner when a provider is
// configured and the rule-based one otherwise.
func newReasoner(ctx context.Context, cfg *migratecfg.Config, rules *agents.Ruleset, telemetry framework.Telemetry, m *metrics.Metrics) (framework.Reasoner, error) {
	asker, err := llm.NewAsker(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	if asker == nil {
		return agents.NewRuleReasoner(rules), nil
	}
	instrumented := llm.NewInstrumentedAsker(asker, telemetry, m, cfg.LLM.Timeout)
	instrumented.Debug = cfg.Logging.LLMDebug
	return llm.NewReasoner(instrumented), nil
}

func buildRuntime(ctx context.Context, cfg *migratecfg.Config, logger zerolog.Logger) (*migrationRuntime, error) {
	rt := &migrationRuntime{cfg: cfg, logger: logger, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	telemetry, traceCloser, err := newTelemetry(cfg, logger)
	if err != nil {
		return nil, err
	}
	if traceCloser != nil {
		rt.closers = append(rt.closers, traceCloser)
	}
	rt.telemetry = telemetry

	store, storeCloser, err := persistence.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, storeCloser)
	rt.store = store

	rules, err := loadRules(cfg)
	if err != nil {
		return nil, err
	}
	compiler, err := backend.NewCompiler(cfg.Backend, rules, logger.With().Str("component", "compiler").Logger())
	if err != nil {
		return nil, err
	}
	comparator, err := backend.NewComparator(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if c, isCloser := comparator.(io.Closer); isCloser {
		rt.closers = append(rt.closers, c)
	}
	reasoner, err := newReasoner(ctx, cfg, rules, telemetry, rt.metrics)
	if err != nil {
		return nil, err
	}
	registry, err := agents.DefaultRegistry(agents.Deps{
		Reasoner:   reasoner,
		Compiler:   compiler,
		Comparator: comparator,
		Writer:     agents.NewProjectWriter(cfg.Project.Name),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	storeName := cfg.Store.Driver
	if storeName == "" {
		storeName = persistence.DriverFile
	}
	rt.runner, err = workflow.NewRunner(workflow.RunnerOptions{
		Agents:    registry,
		Store:     store,
		StoreName: storeName,
		Telemetry: telemetry,
		Metrics:   rt.metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

func (rt *migrationRuntime) runConfig(runID string) workflow.RunConfig {
	return workflow.RunConfig{
		RunID:               runID,
		MaxAttempts:         rt.cfg.Run.MaxAttempts,
		ValidationThreshold: rt.cfg.Run.ValidationThreshold,
		APIKey:              rt.cfg.LLM.APIKey,
		AgentTimeout:        rt.cfg.Run.AgentTimeout,
		Archive:             rt.cfg.Run.Archive,
	}
}

// serveMetrics exposes /metrics on addr until the returned stop is called.
func (rt *migrationRuntime) serveMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	rt.logger.Info().Str("addr", addr).Msg("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func openStore(cfg *migratecfg.Config) (persistence.SnapshotStore, io.Closer, error) {
	return persistence.Open(cfg.Store)
}
