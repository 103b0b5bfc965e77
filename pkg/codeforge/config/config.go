// Package config defines the codeforge configuration file and its defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/jholhewres/codeforge/pkg/codeforge/builder"
	"github.com/jholhewres/codeforge/pkg/codeforge/gateway"
	"github.com/jholhewres/codeforge/pkg/codeforge/history"
	"github.com/jholhewres/codeforge/pkg/codeforge/llm"
	"github.com/jholhewres/codeforge/pkg/codeforge/sandbox"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP gateway started by "serve".
	Server gateway.Config `yaml:"server"`

	Logging LoggingConfig `yaml:"logging"`

	// Families overrides fields of the built-in model families or adds new
	// ones. Unset fields keep their built-in values.
	Families map[string]llm.FamilyConfig `yaml:"families"`

	// Fallback sets primary overrides and per-task family chains.
	Fallback llm.RoutingConfig `yaml:"fallback"`

	// DefaultTask is the task category of calls that name none.
	DefaultTask llm.TaskCategory `yaml:"default_task"`

	Credentials CredentialsConfig `yaml:"credentials"`

	// Extraction tunes the streaming builder.
	Extraction builder.Config `yaml:"extraction"`

	// Workspace is where generated files are written and installed.
	Workspace sandbox.Config `yaml:"workspace"`

	History history.Config `yaml:"history"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error (default: info).
	Level string `yaml:"level"`

	// Format is text or json (default: text).
	Format string `yaml:"format"`
}

// CredentialsConfig controls where API keys are read from.
type CredentialsConfig struct {
	// UseKeyring consults the OS keyring before the environment.
	UseKeyring bool `yaml:"use_keyring"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *Config {
	return &Config{
		Server: gateway.Config{
			Address: "127.0.0.1:8085",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Fallback:    llm.DefaultRouting(),
		DefaultTask: llm.TaskGeneral,
		Credentials: CredentialsConfig{UseKeyring: true},
		Extraction: builder.Config{
			MinFiles: 3,
		},
		Workspace: sandbox.DefaultConfig(),
		History:   history.DefaultConfig(),
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format: unknown format %q", c.Logging.Format))
	}

	families := c.ResolvedFamilies()
	for name, f := range families {
		if f.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("families.%s.base_url is required", name))
		}
		if f.Model == "" {
			errs = append(errs, fmt.Sprintf("families.%s.model is required", name))
		}
	}
	for _, name := range []string{c.Fallback.CodePrimary, c.Fallback.GeneralPrimary, c.Fallback.Fallback} {
		if name == "" {
			continue
		}
		if _, ok := families[strings.ToLower(name)]; !ok {
			errs = append(errs, fmt.Sprintf("fallback: unknown family %q", name))
		}
	}
	for task, chain := range c.Fallback.Chains {
		for _, name := range chain {
			if _, ok := families[strings.ToLower(name)]; !ok {
				errs = append(errs, fmt.Sprintf("fallback.chains.%s: unknown family %q", task, name))
			}
		}
	}

	if c.Extraction.MinFiles < 0 {
		errs = append(errs, "extraction.min_files must not be negative")
	}
	if c.History.Enabled && c.History.Retention < 0 {
		errs = append(errs, "history.retention must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ResolvedFamilies overlays the configured families on the built-in table.
func (c *Config) ResolvedFamilies() map[string]llm.FamilyConfig {
	out := llm.DefaultFamilies()
	for name, override := range c.Families {
		name = strings.ToLower(name)
		base, ok := out[name]
		if !ok {
			base = llm.FamilyConfig{Name: name}
		}
		out[name] = mergeFamily(base, override)
	}
	return out
}

// LLMConfig builds the model client configuration.
func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		Families:    c.ResolvedFamilies(),
		Routing:     c.Fallback,
		DefaultTask: c.DefaultTask,
	}
}

// CredentialPrefixes maps each family to its credential variable prefix.
func (c *Config) CredentialPrefixes() map[string]string {
	return llm.CredentialPrefixes(c.ResolvedFamilies())
}

func mergeFamily(base, o llm.FamilyConfig) llm.FamilyConfig {
	if o.BaseURL != "" {
		base.BaseURL = o.BaseURL
	}
	if o.Model != "" {
		base.Model = o.Model
	}
	if o.CredentialEnv != "" {
		base.CredentialEnv = o.CredentialEnv
	}
	if o.MaxTokens > 0 {
		base.MaxTokens = o.MaxTokens
	}
	if o.Temperature != 0 {
		base.Temperature = o.Temperature
	}
	if o.TopP != 0 {
		base.TopP = o.TopP
	}
	if o.MaxRetries > 0 {
		base.MaxRetries = o.MaxRetries
	}
	if o.RateLimitCapSec > 0 {
		base.RateLimitCapSec = o.RateLimitCapSec
	}
	if o.TransientCapSec > 0 {
		base.TransientCapSec = o.TransientCapSec
	}
	if o.TimeoutSec > 0 {
		base.TimeoutSec = o.TimeoutSec
	}
	return base
}
