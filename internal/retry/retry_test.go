package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lexcodex/dbtmigrate/framework"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_Success(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("syntax error")
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_TransientEventualSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &framework.TransientAgentError{Role: framework.RoleTester, Err: errors.New("connection reset")}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_TransientAllFail(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func(ctx context.Context) error {
		calls++
		return framework.ErrBackendUnavailable
	})
	assert.ErrorIs(t, err, framework.ErrBackendUnavailable)
	assert.Equal(t, 2, calls)
}

func TestDo_CustomRetryable(t *testing.T) {
	calls := 0
	cfg := fastConfig(4)
	cfg.Retryable = func(error) bool { return true }
	_ = Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("flaky")
	})
	assert.Equal(t, 4, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Second}
	calls := 0
	err := Do(ctx, cfg, func(ctx context.Context) error {
		calls++
		return framework.ErrBackendUnavailable
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
