package framework

import "context"

type runContextKey struct{}

// RunContext identifies the run, model and agent behind a call so telemetry
// from nested components can be correlated.
type RunContext struct {
	RunID string
	Model string
	Role  Role
}

// WithRunContext attaches run metadata to the context.
func WithRunContext(ctx context.Context, rc RunContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunContextFrom extracts run metadata, if present.
func RunContextFrom(ctx context.Context) (RunContext, bool) {
	if ctx == nil {
		return RunContext{}, false
	}
	rc, ok := ctx.Value(runContextKey{}).(RunContext)
	return rc, ok
}
