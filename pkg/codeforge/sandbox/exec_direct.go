//go:build !windows

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// DirectExecutor runs commands as child processes in their own process
// group.
type DirectExecutor struct {
	logger *slog.Logger
}

// NewDirectExecutor creates a new direct executor.
func NewDirectExecutor(logger *slog.Logger) *DirectExecutor {
	return &DirectExecutor{logger: logger}
}

// Name returns the executor name.
func (e *DirectExecutor) Name() string { return "direct" }

// Execute runs the command and captures its output.
func (e *DirectExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.WorkDir
	cmd.Env = buildEnv(os.Environ(), req.Env)

	// Cancel kills the process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	err := cmd.Run()
	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("executing %s: %w", req.Command, err)
		}
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			result.Killed = true
			result.KillReason = "timeout"
		}
	}
	return result, nil
}

// buildEnv drops blocked linker variables from the inherited environment
// and appends the filtered request variables, which win on conflict.
func buildEnv(base []string, extra map[string]string) []string {
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if hasBlockedPrefix(name) {
			continue
		}
		if _, override := extra[name]; override {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
