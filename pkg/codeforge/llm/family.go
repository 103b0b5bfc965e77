package llm

import (
	"strings"
	"time"
)

// Model family tags.
const (
	FamilyMiniMax = "minimax"
	FamilyGroq    = "groq"
	FamilyKimi    = "kimi"
)

// FamilyConfig is the fixed backend configuration of one model family.
type FamilyConfig struct {
	// Name is the family tag (e.g. "minimax").
	Name string `yaml:"name"`

	// BaseURL is the OpenAI-compatible API root, without /chat/completions.
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier sent in every request.
	Model string `yaml:"model"`

	// CredentialEnv is the variable prefix the credential pool is loaded
	// from (PREFIX, PREFIX_1, PREFIX_2, ...).
	CredentialEnv string `yaml:"credential_env"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`

	// MaxRetries bounds delay-based retries for this family (default: 3).
	MaxRetries int `yaml:"max_retries"`

	// RateLimitCapSec caps the rate-limit backoff delay (default: 60).
	RateLimitCapSec int `yaml:"rate_limit_cap_sec"`

	// TransientCapSec caps the transient-failure backoff delay (default: 10).
	TransientCapSec int `yaml:"transient_cap_sec"`

	// TimeoutSec is the hard wall-clock limit of one HTTP call (default: 300).
	TimeoutSec int `yaml:"timeout_sec"`
}

// Effective returns a copy with zero values replaced by defaults.
func (f FamilyConfig) Effective() FamilyConfig {
	out := f
	out.BaseURL = strings.TrimRight(out.BaseURL, "/")
	if out.MaxTokens <= 0 {
		out.MaxTokens = 8000
	}
	if out.Temperature == 0 {
		out.Temperature = 0.7
	}
	if out.TopP == 0 {
		out.TopP = 0.95
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.RateLimitCapSec <= 0 {
		out.RateLimitCapSec = 60
	}
	if out.TransientCapSec <= 0 {
		out.TransientCapSec = 10
	}
	if out.TimeoutSec <= 0 {
		out.TimeoutSec = 300
	}
	return out
}

// Timeout returns the per-call timeout as a duration.
func (f FamilyConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSec) * time.Second
}

// DefaultFamilies returns the built-in family table.
func DefaultFamilies() map[string]FamilyConfig {
	return map[string]FamilyConfig{
		FamilyMiniMax: {
			Name:          FamilyMiniMax,
			BaseURL:       "https://router.huggingface.co/v1",
			Model:         "MiniMaxAI/MiniMax-M2",
			CredentialEnv: "HF_TOKEN",
			MaxTokens:     32000,
			Temperature:   0.7,
			TopP:          0.95,
			MaxRetries:    3,
		},
		FamilyGroq: {
			Name:          FamilyGroq,
			BaseURL:       "https://api.groq.com/openai/v1",
			Model:         "llama-3.3-70b-versatile",
			CredentialEnv: "GROQ_API_KEY",
			MaxTokens:     8000,
			Temperature:   0.7,
			TopP:          0.95,
			MaxRetries:    3,
		},
		FamilyKimi: {
			Name:          FamilyKimi,
			BaseURL:       "https://api.moonshot.cn/v1",
			Model:         "moonshot-v1-32k",
			CredentialEnv: "KIMI_API_KEY",
			MaxTokens:     8000,
			Temperature:   0.7,
			TopP:          0.95,
			MaxRetries:    3,
		},
	}
}

// CredentialPrefixes maps each family to its credential variable prefix.
func CredentialPrefixes(families map[string]FamilyConfig) map[string]string {
	out := make(map[string]string, len(families))
	for name, f := range families {
		if f.CredentialEnv != "" {
			out[name] = f.CredentialEnv
		}
	}
	return out
}
