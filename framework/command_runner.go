package framework

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandRequest captures process execution metadata.
type CommandRequest struct {
	Workdir string
	Args    []string
	Env     []string
	Input   string
	Timeout time.Duration
}

// CommandRunner describes a primitive capable of executing commands.
type CommandRunner interface {
	Run(ctx context.Context, req CommandRequest) (stdout string, stderr string, err error)
}

// LocalCommandRunner executes commands directly on the host.
type LocalCommandRunner struct {
	// Binary overrides Args[0] when set.
	Binary string
}

// Run executes the requested command. A missing executable is reported as
// ErrBackendUnavailable.
func (r LocalCommandRunner) Run(ctx context.Context, req CommandRequest) (string, string, error) {
	if len(req.Args) == 0 {
		return "", "", errors.New("command arguments required")
	}
	name := req.Args[0]
	if r.Binary != "" {
		name = r.Binary
	}
	execCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()
	cmd := exec.CommandContext(execCtx, name, req.Args[1:]...)
	cmd.Dir = req.Workdir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Input != "" {
		cmd.Stdin = strings.NewReader(req.Input)
	}
	err := cmd.Run()
	if errors.Is(err, exec.ErrNotFound) {
		err = errors.Join(ErrBackendUnavailable, err)
	}
	if execCtx.Err() == context.DeadlineExceeded {
		err = errors.Join(context.DeadlineExceeded, err)
	}
	return stdout.String(), stderr.String(), err
}
