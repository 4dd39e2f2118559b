package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/adapter"
	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/metrics"
)

// AgentSource resolves the agent playing a role.
type AgentSource interface {
	Get(role framework.Role) (framework.Agent, error)
}

// Machine applies one agent step to a MigrationState.
type Machine struct {
	Adapter   *adapter.Adapter
	Agents    AgentSource
	Timeout   time.Duration
	Telemetry framework.Telemetry
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Apply runs the agent for role against the current model (for model-scoped
// roles) and folds its result into a copy of state. The agent call is detached
// from ctx cancellation so an in-flight call always completes; only the
// per-role timeout bounds it. Agent errors become failed results unless they
// are fatal.
func (m *Machine) Apply(ctx context.Context, state *framework.MigrationState, role framework.Role) (*framework.MigrationState, *framework.AgentResult, error) {
	if state == nil {
		return nil, nil, &framework.ConfigurationError{Field: "state", Reason: "missing"}
	}
	modelName := ""
	if role.ModelScoped() {
		model, ok := state.CurrentModel()
		if !ok {
			return state, nil, &framework.ConfigurationError{Field: "current_model_index", Reason: fmt.Sprintf("no current model for %s agent", role)}
		}
		modelName = model.Name
	}
	actx, err := m.Adapter.StateToContext(state, role, modelName)
	if err != nil {
		return state, nil, err
	}
	agent, err := m.Agents.Get(role)
	if err != nil {
		return state, nil, err
	}

	callCtx := context.WithoutCancel(ctx)
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, m.Timeout)
		defer cancel()
	}
	callCtx = framework.WithRunContext(callCtx, framework.RunContext{RunID: state.RunID, Model: modelName, Role: role})

	m.emit(framework.EventAgentStart, state.RunID, role, modelName, nil)
	start := time.Now()
	result, err := agent.Execute(callCtx, actx)
	elapsed := time.Since(start)
	if err != nil {
		if framework.IsFatal(err) {
			m.Metrics.ObserveAgentCall(string(role), "fatal", elapsed)
			m.emit(framework.EventAgentFinish, state.RunID, role, modelName, map[string]interface{}{"outcome": "fatal", "error": err.Error()})
			return state, nil, err
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		transient := &framework.TransientAgentError{Role: role, Model: modelName, Err: err}
		m.Logger.Warn().Err(transient).Str("agent", string(role)).Str("model", modelName).Msg("agent call failed")
		result = framework.Failed(role, modelName, transient.Error())
	}
	if result == nil {
		result = framework.Failed(role, modelName, "agent returned no result")
	}
	if result.Role == "" {
		result.Role = role
	}
	if result.Role != role {
		return state, nil, &framework.ConfigurationError{Field: "role", Reason: fmt.Sprintf("%s agent returned a %s result", role, result.Role)}
	}
	if role.ModelScoped() && result.Model == "" {
		result.Model = modelName
	}

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	m.Metrics.ObserveAgentCall(string(role), outcome, elapsed)
	m.emit(framework.EventAgentFinish, state.RunID, role, modelName, map[string]interface{}{
		"outcome":     outcome,
		"duration_ms": elapsed.Milliseconds(),
	})

	next, err := m.Adapter.ResultToState(result, state)
	if err != nil {
		return state, result, err
	}
	next.UpdatedAt = time.Now().UTC()
	if next.Phase != state.Phase {
		m.emit(framework.EventStateChange, state.RunID, role, modelName, map[string]interface{}{
			"from": string(state.Phase),
			"to":   string(next.Phase),
		})
	}
	return next, result, nil
}

func (m *Machine) emit(kind framework.EventType, runID string, role framework.Role, model string, extra map[string]interface{}) {
	if m.Telemetry == nil {
		return
	}
	metadata := map[string]interface{}{"agent": string(role)}
	if model != "" {
		metadata["model"] = model
	}
	for k, v := range extra {
		metadata[k] = v
	}
	m.Telemetry.Emit(framework.Event{
		Type:      kind,
		NodeID:    string(role),
		TaskID:    runID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
}
