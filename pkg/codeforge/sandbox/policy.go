package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Policy decides which binaries may run and which environment variables
// reach them.
type Policy struct {
	bins    map[string]bool
	blocked map[string]bool

	// allow, when non-empty, is the only set of variables passed through.
	allow map[string]bool
}

// NewPolicy builds the policy for cfg.
func NewPolicy(cfg Config) *Policy {
	return &Policy{
		bins:    toSet(append(slices.Clone(defaultBins), cfg.AllowedBins...)),
		blocked: toSet(cfg.BlockedEnv),
		allow:   toSet(cfg.AllowedEnv),
	}
}

// Validate rejects requests for unknown binaries or with malformed
// arguments.
func (p *Policy) Validate(req *ExecRequest) error {
	switch {
	case req.Command == "":
		return errors.New("empty command")
	case !p.IsBinAllowed(req.Command):
		return fmt.Errorf("binary %q is not allowed", req.Command)
	}
	if slices.ContainsFunc(req.Args, func(a string) bool { return strings.IndexByte(a, 0) >= 0 }) {
		return errors.New("argument contains NUL byte")
	}
	return nil
}

// FilterEnv drops the variables the policy refuses.
func (p *Policy) FilterEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for name, value := range env {
		if p.IsEnvAllowed(name) {
			out[name] = value
		}
	}
	return out
}

// IsEnvAllowed reports whether name may be passed to a child process.
func (p *Policy) IsEnvAllowed(name string) bool {
	if p.blocked[name] || hasBlockedPrefix(name) {
		return false
	}
	return len(p.allow) == 0 || p.allow[name]
}

// IsBinAllowed compares the base name, so "/usr/bin/npm" matches "npm".
func (p *Policy) IsBinAllowed(bin string) bool {
	return p.bins[filepath.Base(bin)]
}

func hasBlockedPrefix(name string) bool {
	return slices.ContainsFunc(blockedEnvPrefixes, func(prefix string) bool {
		return strings.HasPrefix(name, prefix)
	})
}

var defaultBins = []string{"npm", "pnpm", "yarn", "bun", "node"}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
