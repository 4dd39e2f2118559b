package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/adapter"
	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/metrics"
	"github.com/lexcodex/dbtmigrate/persistence"
)

// RunnerOptions wires a Runner's collaborators.
type RunnerOptions struct {
	Agents AgentSource
	Store  persistence.SnapshotStore
	// StoreName labels snapshot write metrics.
	StoreName string
	Telemetry framework.Telemetry
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// RunConfig holds the per-run knobs.
type RunConfig struct {
	RunID               string
	MaxAttempts         int
	ValidationThreshold float64
	ResumeFrom          *framework.MigrationState
	APIKey              string
	AgentTimeout        time.Duration
	// Archive moves the snapshot to the archive once the run is finalised.
	Archive bool
}

// Runner orchestrates migration runs. Several runs may share a Runner; each
// run's state is owned by the goroutine calling Run.
type Runner struct {
	agents    AgentSource
	store     persistence.SnapshotStore
	telemetry framework.Telemetry
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// NewRunner validates opts and builds a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Agents == nil {
		return nil, &framework.ConfigurationError{Field: "agents", Reason: "missing"}
	}
	if opts.Store == nil {
		return nil, &framework.ConfigurationError{Field: "store", Reason: "missing"}
	}
	store := opts.Store
	if opts.Metrics != nil {
		name := opts.StoreName
		if name == "" {
			name = "custom"
		}
		store = &persistence.Metered{SnapshotStore: store, Name: name, Metrics: opts.Metrics}
	}
	return &Runner{
		agents:    opts.Agents,
		store:     store,
		telemetry: opts.Telemetry,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		cancels:   make(map[string]context.CancelCauseFunc),
	}, nil
}

// Stop asks every active run to halt at its next phase boundary. In-flight
// agent calls finish and are persisted first.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.cancels {
		cancel(framework.ErrRunStopped)
	}
}

func (r *Runner) track(runID string, cancel context.CancelCauseFunc) func() {
	r.mu.Lock()
	r.cancels[runID] = cancel
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.cancels, runID)
		r.mu.Unlock()
		cancel(nil)
	}
}

// Resume loads the snapshot for runID and continues it.
func (r *Runner) Resume(ctx context.Context, runID string, cfg RunConfig) (*FinalReport, error) {
	state, err := r.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", runID, err)
	}
	cfg.ResumeFrom = state
	cfg.RunID = runID
	return r.Run(ctx, state.Metadata, state.ProjectPath, cfg)
}

// Run migrates metadata into projectPath, or continues cfg.ResumeFrom. Model
// failures are recorded in the report; only fatal conditions are returned as
// errors, and a report is produced in every case.
func (r *Runner) Run(ctx context.Context, metadata *framework.Metadata, projectPath string, cfg RunConfig) (*FinalReport, error) {
	started := time.Now().UTC()
	state, err := r.initialState(metadata, projectPath, cfg)
	if err != nil {
		if state == nil {
			r.metrics.RecordRun("failed")
			return BuildReport(&framework.MigrationState{RunID: cfg.RunID, Phase: framework.PhaseFailed, Errors: []string{err.Error()}}, started, time.Now().UTC()), err
		}
		return r.finish(ctx, state, started, cfg, err)
	}
	if state.Phase == framework.PhaseCompleted {
		r.logger.Info().Str("run_id", state.RunID).Str("phase", string(state.Phase)).Msg("run already finished")
		return BuildReport(state, state.CreatedAt, state.UpdatedAt), nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer r.track(state.RunID, cancel)()

	machine := &Machine{
		Adapter: adapter.New(adapter.Policy{
			MaxAttempts:         cfg.MaxAttempts,
			ValidationThreshold: cfg.ValidationThreshold,
			APIKey:              cfg.APIKey,
		}),
		Agents:    r.agents,
		Timeout:   cfg.AgentTimeout,
		Telemetry: r.telemetry,
		Metrics:   r.metrics,
		Logger:    r.logger.With().Str("run_id", state.RunID).Logger(),
	}
	r.emit(framework.EventRunStart, state, nil)
	r.logger.Info().
		Str("run_id", state.RunID).
		Str("phase", string(state.Phase)).
		Int("models", len(state.Models)).
		Bool("resumed", cfg.ResumeFrom != nil).
		Msg("run started")

	state, err = r.drive(runCtx, machine, state)
	if err != nil && runCtx.Err() != nil && interrupted(err) {
		cause := context.Cause(runCtx)
		r.logger.Info().Str("run_id", state.RunID).AnErr("cause", cause).Msg("run stopped at phase boundary")
		state.Phase = framework.PhaseStopped
		err = nil
	}
	return r.finish(ctx, state, started, cfg, err)
}

func (r *Runner) initialState(metadata *framework.Metadata, projectPath string, cfg RunConfig) (*framework.MigrationState, error) {
	if cfg.ResumeFrom != nil {
		state := cfg.ResumeFrom.Clone()
		if err := state.Validate(); err != nil {
			return nil, framework.Fatal("resume", err)
		}
		if state.Metadata == nil {
			state.Metadata = metadata
		}
		if projectPath != "" {
			state.ProjectPath = projectPath
		}
		// stopped and failed runs pick up where they left off; terminal
		// models are never retried
		if state.Phase == framework.PhaseStopped || state.Phase == framework.PhaseFailed {
			state.Phase = resumePhase(state)
		}
		return state, nil
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := persistence.ValidateRunID(runID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(projectPath) == "" {
		return nil, &framework.ConfigurationError{Field: "project_path", Reason: "empty"}
	}
	state := framework.NewMigrationState(runID, metadata, projectPath)
	if metadata.Empty() {
		return state, framework.Fatal("load metadata", framework.ErrMetadataEmpty)
	}
	return state, nil
}

// resumePhase recovers the working phase of a stopped run.
func resumePhase(state *framework.MigrationState) framework.Phase {
	switch {
	case len(state.Models) > 0:
		if m, ok := state.CurrentModel(); ok {
			switch m.Status {
			case framework.StatusInProgress, framework.StatusTesting:
				return framework.PhaseTesting
			case framework.StatusRebuilding:
				return framework.PhaseRebuilding
			case framework.StatusEvaluating:
				return framework.PhaseEvaluating
			}
		}
		return framework.PhaseExecution
	case state.Assessment != nil:
		return framework.PhasePlanning
	default:
		return framework.PhaseAssessment
	}
}

func (r *Runner) drive(ctx context.Context, machine *Machine, state *framework.MigrationState) (*framework.MigrationState, error) {
	if state.Assessment == nil && len(state.Models) == 0 {
		next, err := r.runStage(ctx, machine, state, framework.RoleAssessment)
		if err != nil {
			return next, err
		}
		state = next
	}
	if len(state.Models) == 0 {
		next, err := r.runStage(ctx, machine, state, framework.RolePlanner)
		if err != nil {
			return next, err
		}
		state = next
	}

	checkpoint := func(cp *framework.GraphCheckpoint) error {
		return r.persist(ctx, cp.State)
	}
	for state.CurrentModelIndex < len(state.Models) {
		if err := boundary(ctx); err != nil {
			return state, err
		}
		if state.Models[state.CurrentModelIndex].Status.Terminal() {
			state.CurrentModelIndex++
			continue
		}
		next, err := runModel(ctx, machine, state, checkpoint)
		if err != nil {
			return next, err
		}
		state = next
		model := state.Models[state.CurrentModelIndex]
		r.metrics.RecordModel(string(model.Status), model.Attempts)
		r.logger.Info().
			Str("run_id", state.RunID).
			Str("model", model.Name).
			Str("status", string(model.Status)).
			Int("attempts", model.Attempts).
			Msg("model finished")
		state.CurrentModelIndex++
		state.Phase = framework.PhaseExecution
		if err := r.persist(ctx, state); err != nil {
			return state, err
		}
	}
	state.Phase = framework.PhaseCompleted
	return state, nil
}

// runStage runs a one-shot, run-scoped agent. Failure is fatal.
func (r *Runner) runStage(ctx context.Context, machine *Machine, state *framework.MigrationState, role framework.Role) (*framework.MigrationState, error) {
	if err := boundary(ctx); err != nil {
		return state, err
	}
	next, result, err := machine.Apply(ctx, state, role)
	if err != nil {
		return state, framework.Fatal(string(role), err)
	}
	if !result.Success {
		return next, framework.Fatal(string(role), resultError(result))
	}
	if role == framework.RolePlanner && len(next.Models) == 0 {
		return next, framework.Fatal(string(role), framework.ErrEmptyPlan)
	}
	if err := r.persist(ctx, next); err != nil {
		return next, err
	}
	return next, nil
}

// interrupted reports whether err came from cancellation rather than a
// failure.
func interrupted(err error) bool {
	if framework.IsFatal(err) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, framework.ErrRunStopped)
}

func boundary(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}
	return nil
}

var knownFailures = []error{framework.ErrMetadataEmpty, framework.ErrEmptyPlan, framework.ErrBackendUnavailable}

// resultError recovers a sentinel from a failed result's messages.
func resultError(result *framework.AgentResult) error {
	for _, msg := range result.Errors {
		for _, known := range knownFailures {
			if msg == known.Error() {
				return known
			}
		}
	}
	if len(result.Errors) == 0 {
		return fmt.Errorf("%s agent failed", result.Role)
	}
	return errors.New(strings.Join(result.Errors, "; "))
}

// persist saves a snapshot. It ignores ctx cancellation so the last completed
// step is always written.
func (r *Runner) persist(ctx context.Context, state *framework.MigrationState) error {
	state.UpdatedAt = time.Now().UTC()
	if err := r.store.Save(context.WithoutCancel(ctx), state); err != nil {
		return framework.Fatal("save snapshot", err)
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, state *framework.MigrationState, started time.Time, cfg RunConfig, runErr error) (*FinalReport, error) {
	outcome := string(state.Phase)
	if runErr != nil {
		if !framework.IsFatal(runErr) {
			runErr = framework.Fatal("run", runErr)
		}
		state.Phase = framework.PhaseFailed
		state.RecordError("run: %v", runErr)
		outcome = "failed"
		if err := r.persist(ctx, state); err != nil {
			r.logger.Error().Err(err).Str("run_id", state.RunID).Msg("persist failed state")
		}
	} else if err := r.persist(ctx, state); err != nil {
		runErr = err
		state.Phase = framework.PhaseFailed
		outcome = "failed"
	}
	if runErr == nil && cfg.Archive && state.Phase.Terminal() {
		if archiver, ok := r.store.(persistence.Archiver); ok {
			if err := archiver.Archive(context.WithoutCancel(ctx), state.RunID); err != nil {
				r.logger.Warn().Err(err).Str("run_id", state.RunID).Msg("archive snapshot")
			}
		}
	}
	report := BuildReport(state, started, time.Now().UTC())
	r.metrics.RecordRun(outcome)
	r.emit(framework.EventRunFinish, state, map[string]interface{}{
		"phase":     string(state.Phase),
		"completed": report.Counts.Completed,
		"failed":    report.Counts.Failed,
		"skipped":   report.Counts.Skipped,
	})
	ev := r.logger.Info()
	if runErr != nil {
		ev = r.logger.Error().Err(runErr)
	}
	ev.Str("run_id", state.RunID).
		Str("phase", string(state.Phase)).
		Int("completed", report.Counts.Completed).
		Int("failed", report.Counts.Failed).
		Int("skipped", report.Counts.Skipped).
		Msg("run finished")
	return report, runErr
}

func (r *Runner) emit(kind framework.EventType, state *framework.MigrationState, metadata map[string]interface{}) {
	if r.telemetry == nil {
		return
	}
	r.telemetry.Emit(framework.Event{
		Type:      kind,
		TaskID:    state.RunID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
}
