package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Runner validates and executes requests.
type Runner struct {
	cfg      Config
	policy   *Policy
	executor Executor
	logger   *slog.Logger
}

// NewRunner creates a runner using the platform's direct executor.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	cfg = cfg.Effective()
	logger = logger.With("component", "sandbox")
	return &Runner{
		cfg:      cfg,
		policy:   NewPolicy(cfg),
		executor: NewDirectExecutor(logger),
		logger:   logger,
	}
}

// Run executes a request under the policy, with a timeout and a private
// temp directory as HOME and TMPDIR.
func (r *Runner) Run(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	if req.Timeout == 0 {
		req.Timeout = r.cfg.InstallTimeout
	}

	if err := r.policy.Validate(req); err != nil {
		r.logger.Warn("request rejected", "command", req.Command, "error", err)
		return &ExecResult{
			ExitCode:   1,
			Stderr:     "policy violation: " + err.Error(),
			Killed:     true,
			KillReason: "policy_violation",
		}, err
	}

	scratch, err := r.scratchDir()
	if err != nil {
		return nil, fmt.Errorf("sandbox scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	req.Env = r.policy.FilterEnv(req.Env)
	req.Env["TMPDIR"] = scratch
	req.Env["npm_config_cache"] = filepath.Join(scratch, "npm-cache")

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	r.logger.Info("executing",
		"command", req.Command,
		"args", req.Args,
		"dir", req.WorkDir,
		"executor", r.executor.Name(),
		"timeout", req.Timeout,
	)

	start := time.Now()
	result, err := r.executor.Execute(runCtx, req)
	elapsed := time.Since(start)
	if result != nil {
		result.Duration = elapsed
		limit := int(r.cfg.MaxOutputBytes)
		result.Stdout = clipOutput(result.Stdout, limit)
		result.Stderr = clipOutput(result.Stderr, limit)
	}
	if err != nil {
		r.logger.Error("execution failed", "command", req.Command, "elapsed", elapsed, "error", err)
	}
	return result, err
}

// scratchDir creates the per-execution TMPDIR under cfg.TempDir.
func (r *Runner) scratchDir() (string, error) {
	parent := r.cfg.TempDir
	if parent == "" {
		parent = filepath.Join(os.TempDir(), "codeforge-sandbox")
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(parent, "run-*")
}

const truncatedMarker = "\n... [output truncated]"

func clipOutput(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + truncatedMarker
}
