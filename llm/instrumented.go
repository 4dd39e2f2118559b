package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/metrics"
)

// InstrumentedAsker wraps an Asker with telemetry, metrics and a per-call
// timeout.
type InstrumentedAsker struct {
	Inner     Asker
	Telemetry framework.Telemetry
	Metrics   *metrics.Metrics
	Debug     bool
	// Timeout bounds each Ask independently of the agent timeout.
	Timeout time.Duration
}

// NewInstrumentedAsker wraps inner.
func NewInstrumentedAsker(inner Asker, telemetry framework.Telemetry, m *metrics.Metrics, timeout time.Duration) *InstrumentedAsker {
	return &InstrumentedAsker{Inner: inner, Telemetry: telemetry, Metrics: m, Timeout: timeout}
}

// Ask implements Asker.
func (a *InstrumentedAsker) Ask(ctx context.Context, prompt string) (string, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	a.emitPrompt(ctx, prompt)
	start := time.Now()
	reply, err := a.Inner.Ask(ctx, prompt)
	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	a.Metrics.ObserveLLM(outcome, elapsed)
	a.emitResponse(ctx, reply, elapsed, err)
	return reply, err
}

func (a *InstrumentedAsker) emitPrompt(ctx context.Context, prompt string) {
	if a.Telemetry == nil {
		return
	}
	runID, metadata := runInfo(ctx)
	metadata["prompt_chars"] = len(prompt)
	metadata["prompt_preview"] = clip(prompt, 1024)
	if a.Debug {
		metadata["prompt"] = clip(prompt, 8192)
	}
	a.Telemetry.Emit(framework.Event{
		Type:      framework.EventLLMPrompt,
		TaskID:    runID,
		Timestamp: time.Now().UTC(),
		Message:   "llm prompt",
		Metadata:  metadata,
	})
}

func (a *InstrumentedAsker) emitResponse(ctx context.Context, reply string, elapsed time.Duration, err error) {
	if a.Telemetry == nil {
		return
	}
	runID, metadata := runInfo(ctx)
	metadata["duration_ms"] = elapsed.Milliseconds()
	metadata["reply_chars"] = len(reply)
	metadata["reply_preview"] = clip(reply, 1024)
	if err != nil {
		metadata["error"] = err.Error()
	}
	a.Telemetry.Emit(framework.Event{
		Type:      framework.EventLLMResponse,
		TaskID:    runID,
		Timestamp: time.Now().UTC(),
		Message:   fmt.Sprintf("llm response in %s", elapsed.Round(time.Millisecond)),
		Metadata:  metadata,
	})
}

func runInfo(ctx context.Context) (string, map[string]interface{}) {
	metadata := map[string]interface{}{}
	rc, ok := framework.RunContextFrom(ctx)
	if !ok {
		return "", metadata
	}
	if rc.Model != "" {
		metadata["model"] = rc.Model
	}
	if rc.Role != "" {
		metadata["agent"] = string(rc.Role)
	}
	return rc.RunID, metadata
}
