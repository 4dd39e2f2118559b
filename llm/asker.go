package llm

import "context"

// Asker sends a single prompt to a language model and returns its reply.
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// AskerFunc adapts a function to the Asker interface.
type AskerFunc func(ctx context.Context, prompt string) (string, error)

// Ask implements Asker.
func (f AskerFunc) Ask(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
