package framework

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrMetadataEmpty      = errors.New("metadata contains no objects")
	ErrEmptyPlan          = errors.New("migration plan is empty")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrRunStopped         = errors.New("run stopped")
)

// ConfigurationError reports invalid inputs or contract misuse. It is never
// recorded against a model.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// TransientAgentError wraps a recoverable agent failure such as a timeout or
// an unreachable reasoning service.
type TransientAgentError struct {
	Role  Role
	Model string
	Err   error
}

func (e *TransientAgentError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("%s agent: %v", e.Role, e.Err)
	}
	return fmt.Sprintf("%s agent on %s: %v", e.Role, e.Model, e.Err)
}

func (e *TransientAgentError) Unwrap() error { return e.Err }

// ValidationFailure is recorded when an evaluation scores below threshold.
type ValidationFailure struct {
	Model         string
	Score         float64
	Threshold     float64
	Discrepancies []string
}

func (e *ValidationFailure) Error() string {
	msg := fmt.Sprintf("validation score %.2f below threshold %.2f", e.Score, e.Threshold)
	if len(e.Discrepancies) > 0 {
		msg += ": " + joinLimited(e.Discrepancies, 3)
	}
	return msg
}

// BudgetExhausted is recorded when a model runs out of rebuild attempts.
type BudgetExhausted struct {
	Model    string
	Attempts int
	Max      int
}

func (e *BudgetExhausted) Error() string {
	return fmt.Sprintf("rebuild budget exhausted after %d/%d attempts", e.Attempts, e.Max)
}

// FatalRunError aborts the whole run.
type FatalRunError struct {
	Op  string
	Err error
}

func (e *FatalRunError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalRunError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalRunError unless it already is one.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	var fatal *FatalRunError
	if errors.As(err, &fatal) {
		return err
	}
	return &FatalRunError{Op: op, Err: err}
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	var fatal *FatalRunError
	return errors.As(err, &fatal)
}

// IsTransient reports whether retrying the operation may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var transient *TransientAgentError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func joinLimited(items []string, limit int) string {
	if len(items) <= limit {
		return strings.Join(items, "; ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(items[:limit], "; "), len(items)-limit)
}
