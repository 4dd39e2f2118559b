// Package backend implements the compile/test and comparison services the
// Tester and Evaluator agents depend on.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/internal/retry"
)

var (
	errConnection    = errors.New("warehouse connection failed")
	connectionMarker = regexp.MustCompile(`(?i)connection refused|could not connect|unable to connect|could not translate host name|no route to host`)
	diagnosticLine   = regexp.MustCompile(`(?i)\b(error|fail(ed|ure)?|warning)\b`)
	noiseLine        = regexp.MustCompile(`(?i)^(done\.|finished running|completed with \d+ errors?|\d\d:\d\d:\d\d\s*$)`)
)

const maxDiagnostics = 20

// DbtBackend runs `dbt compile` and `dbt test` for a single model.
type DbtBackend struct {
	Runner      framework.CommandRunner
	Binary      string
	ProfilesDir string
	Target      string
	Timeout     time.Duration
	Retry       retry.Config
	Logger      zerolog.Logger
}

// NewDbtBackend builds a backend that shells out to binary on the host.
func NewDbtBackend(binary string, timeout time.Duration) *DbtBackend {
	if binary == "" {
		binary = "dbt"
	}
	return &DbtBackend{
		Runner:  framework.LocalCommandRunner{},
		Binary:  binary,
		Timeout: timeout,
		Retry:   retry.DefaultConfig(),
		Logger:  zerolog.Nop(),
	}
}

// CompileAndTest compiles the model and, when that succeeds, runs its tests.
// A missing dbt binary or an unreachable warehouse is fatal for the run.
func (b *DbtBackend) CompileAndTest(ctx context.Context, projectPath string, model framework.ModelState) (*framework.CompileResult, error) {
	var output strings.Builder
	for _, step := range []string{"compile", "test"} {
		stdout, stderr, err := b.invoke(ctx, projectPath, step, model.Name)
		output.WriteString(stdout)
		output.WriteString(stderr)
		if err == nil {
			continue
		}
		var exitErr *exec.ExitError
		switch {
		case errors.Is(err, framework.ErrBackendUnavailable), errors.Is(err, errConnection):
			return nil, framework.Fatal("dbt "+step, errors.Join(framework.ErrBackendUnavailable, err))
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &framework.TransientAgentError{Role: framework.RoleTester, Model: model.Name, Err: fmt.Errorf("dbt %s timed out: %w", step, err)}
		case errors.As(err, &exitErr):
			diags := Diagnostics(stdout + "\n" + stderr)
			if len(diags) == 0 {
				diags = []string{fmt.Sprintf("dbt %s exited with status %d", step, exitErr.ExitCode())}
			}
			b.Logger.Debug().Str("model", model.Name).Str("step", step).Strs("diagnostics", diags).Msg("dbt step failed")
			return &framework.CompileResult{Diagnostics: diags, Output: output.String()}, nil
		default:
			return nil, fmt.Errorf("dbt %s: %w", step, err)
		}
	}
	return &framework.CompileResult{Passed: true, Output: output.String()}, nil
}

func (b *DbtBackend) invoke(ctx context.Context, projectPath, step, model string) (string, string, error) {
	args := []string{b.Binary, step, "--select", model, "--project-dir", projectPath}
	if b.ProfilesDir != "" {
		args = append(args, "--profiles-dir", b.ProfilesDir)
	}
	if b.Target != "" {
		args = append(args, "--target", b.Target)
	}
	cfg := b.Retry
	cfg.Retryable = func(err error) bool {
		return errors.Is(err, errConnection) || errors.Is(err, context.DeadlineExceeded)
	}
	var stdout, stderr string
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		var runErr error
		stdout, stderr, runErr = b.Runner.Run(ctx, framework.CommandRequest{
			Workdir: projectPath,
			Args:    args,
			Timeout: b.Timeout,
		})
		if runErr != nil && connectionMarker.MatchString(stdout+stderr) {
			b.Logger.Warn().Str("step", step).Msg("warehouse unreachable, retrying")
			return errors.Join(errConnection, runErr)
		}
		return runErr
	})
	return stdout, stderr, err
}

// Diagnostics extracts the error lines from dbt output.
func Diagnostics(output string) []string {
	seen := map[string]bool{}
	var out []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(stripTimestamp(line))
		if line == "" || noiseLine.MatchString(line) || !diagnosticLine.MatchString(line) {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
		if len(out) == maxDiagnostics {
			break
		}
	}
	return out
}

var timestampPrefix = regexp.MustCompile(`^\d\d:\d\d:\d\d\s+`)

func stripTimestamp(line string) string {
	return timestampPrefix.ReplaceAllString(strings.TrimSpace(line), "")
}
