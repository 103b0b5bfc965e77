package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//
// Capture groups: 1 variable name, 2 modifier ("-" or "?"), 3 default value
// or error message.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// Routing overrides read from the environment after the file.
const (
	EnvCodePrimary    = "MVP_PRIMARY_MODEL"
	EnvGeneralPrimary = "GENERAL_PRIMARY_MODEL"
	EnvFallback       = "FALLBACK_MODEL"
)

// Load reads path when set, otherwise the first file FindConfigFile finds,
// otherwise the defaults. The environment overrides are applied last.
func Load(path string) (*Config, string, error) {
	LoadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg, os.LookupEnv)
		return cfg, "", nil
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadConfigFromFile reads and parses a YAML configuration file, expanding
// environment variables first. It fails if any ${VAR:?error} reference is
// unset.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg, os.LookupEnv)
	resolveRelativePaths(cfg, path)
	return cfg, nil
}

// ParseConfig parses YAML bytes over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"codeforge.yaml",
		"codeforge.yml",
		"config.yaml",
		"config.yml",
		"configs/codeforge.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadEnvFiles loads .env files from the working directory. Existing
// variables are never overwritten.
func LoadEnvFiles() {
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}
}

// AuditSecrets warns about weak gateway credentials.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.Server.AuthToken != "" && len(cfg.Server.AuthToken) < 16 {
		logger.Warn("server.auth_token is short; use at least 16 random characters")
	}
	if strings.Contains(cfg.Server.AuthToken, "${") {
		logger.Warn("server.auth_token contains an unexpanded variable reference")
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default} and ${VAR:?error}
// references. Unset plain references are kept as written.
func expandEnvVars(input string, lookup func(string) (string, bool)) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := m[1], m[2], m[3]

		if v, ok := lookup(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if firstErr == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				firstErr = fmt.Errorf("config error: %s - %s", name, value)
			}
			return ""
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvCodePrimary); ok && strings.TrimSpace(v) != "" {
		cfg.Fallback.CodePrimary = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvGeneralPrimary); ok && strings.TrimSpace(v) != "" {
		cfg.Fallback.GeneralPrimary = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvFallback); ok && strings.TrimSpace(v) != "" {
		cfg.Fallback.Fallback = strings.ToLower(strings.TrimSpace(v))
	}
}

// resolveRelativePaths makes file paths relative to the config file's
// directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Workspace.Root = resolvePathFromConfig(cfg.Workspace.Root, dir)
	if cfg.Workspace.TempDir != "" {
		cfg.Workspace.TempDir = resolvePathFromConfig(cfg.Workspace.TempDir, dir)
	}
	if cfg.History.Path != ":memory:" {
		cfg.History.Path = resolvePathFromConfig(cfg.History.Path, dir)
	}
}

// resolvePathFromConfig expands ~ and anchors relative paths at configDir.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}
