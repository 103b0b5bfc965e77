// Package sandbox provides the filesystem target generated files are
// applied to, and a constrained runner for the package manager commands
// that install their dependencies.
//
// The runner enforces:
//   - Execution timeouts (the whole process group is killed)
//   - A binary allowlist
//   - Environment variable filtering (blocks injection vectors)
//   - Output size limits
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Config holds the sandbox configuration.
type Config struct {
	// Root is the workspace directory files are written under.
	Root string `yaml:"root"`

	// PackageManager is the binary used to install dependencies.
	// Defaults to "npm".
	PackageManager string `yaml:"package_manager"`

	// InstallTimeout is the maximum time a dependency install may take.
	// Defaults to 5m.
	InstallTimeout time.Duration `yaml:"install_timeout"`

	// MaxOutputBytes limits stdout+stderr capture size.
	// Defaults to 1MB.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// TempDir is the parent of the per-execution scratch directories.
	TempDir string `yaml:"temp_dir"`

	// AllowedEnv restricts request environment variables to this list.
	// If empty, every non-blocked variable is passed through.
	AllowedEnv []string `yaml:"allowed_env"`

	// BlockedEnv is always stripped. Takes precedence over AllowedEnv.
	BlockedEnv []string `yaml:"blocked_env"`

	// AllowedBins extends the default binary allowlist.
	AllowedBins []string `yaml:"allowed_bins"`
}

// ExecRequest describes one command execution.
type ExecRequest struct {
	// Command is the binary to run. It must be on the allowlist.
	Command string

	Args []string

	// Stdin provides data to the command's standard input.
	Stdin string

	// Env are additional environment variables for this execution.
	// Subject to filtering by the policy.
	Env map[string]string

	WorkDir string

	// Timeout overrides Config.InstallTimeout for this execution.
	Timeout time.Duration
}

// ExecResult holds the outcome of an execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Killed is true if the process was stopped by the runner.
	Killed bool

	// KillReason is "timeout" or "policy_violation".
	KillReason string
}

// Err returns a non-nil error when the command did not succeed.
func (r *ExecResult) Err() error {
	switch {
	case r == nil:
		return fmt.Errorf("no result")
	case r.Killed:
		return fmt.Errorf("killed: %s", r.KillReason)
	case r.ExitCode != 0:
		return fmt.Errorf("exit status %d: %s", r.ExitCode, lastLine(r.Stderr))
	}
	return nil
}

// Executor runs a validated request.
type Executor interface {
	Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error)
	Name() string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Root:           "./workspace",
		PackageManager: "npm",
		InstallTimeout: 5 * time.Minute,
		MaxOutputBytes: 1 * 1024 * 1024, // 1MB
		BlockedEnv:     defaultBlockedEnv(),
	}
}

// Effective fills zero fields from DefaultConfig.
func (c Config) Effective() Config {
	def := DefaultConfig()
	if c.Root == "" {
		c.Root = def.Root
	}
	if c.PackageManager == "" {
		c.PackageManager = def.PackageManager
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = def.InstallTimeout
	}
	if c.MaxOutputBytes == 0 {
		c.MaxOutputBytes = def.MaxOutputBytes
	}
	if c.BlockedEnv == nil {
		c.BlockedEnv = def.BlockedEnv
	}
	return c
}

// defaultBlockedEnv returns environment variables that are always
// stripped from request environments, as they can be used for injection.
func defaultBlockedEnv() []string {
	return []string{
		// Node.js injection vectors
		"NODE_OPTIONS",
		"NODE_PATH",
		"npm_config_script_shell",
		// Dynamic linker injection
		"LD_PRELOAD",
		"LD_LIBRARY_PATH",
		"DYLD_INSERT_LIBRARIES",
		"DYLD_LIBRARY_PATH",
		// Shell injection
		"BASH_ENV",
		"ENV",
		"CDPATH",
		"PATH",
	}
}

// blockedEnvPrefixes catches families of dangerous vars.
var blockedEnvPrefixes = []string{
	"LD_",
	"DYLD_",
}

func lastLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
