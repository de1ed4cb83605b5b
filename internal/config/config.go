// Package config loads TOML configuration with env overrides:
// defaults -> mirage.toml -> MIRAGE_* env vars (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// ConfigError reports a missing or invalid required option. The CLI
// treats it as fatal before any run starts.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

type Config struct {
	Model       ModelConfig       `toml:"model"`
	Compression CompressionConfig `toml:"compression"`
	Agent       AgentConfig       `toml:"agent"`
	Safety      SafetyConfig      `toml:"safety"`
	Storage     StorageConfig     `toml:"storage"`
	Proactive   ProactiveConfig   `toml:"proactive"`
	Observer    ObserverConfig    `toml:"observer"`
}

// ModelConfig selects the main chat provider.
type ModelConfig struct {
	Provider    string   `toml:"provider"`
	Model       string   `toml:"model"`
	APIKey      string   `toml:"api_key"`
	BaseURL     string   `toml:"base_url"`
	Temperature *float64 `toml:"temperature"`
}

// CompressionConfig selects the summarization model for context
// compression. Empty fields fall back to the main model.
type CompressionConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type AgentConfig struct {
	SystemPrompt      string `toml:"system_prompt"`
	MaxTurns          int    `toml:"max_turns"`
	ContextWindowMax  int    `toml:"context_window_max"`
	MaxResponseTokens int    `toml:"max_response_tokens"`
	ToolTimeoutSecs   int    `toml:"tool_timeout_secs"`
	QueueBusySessions bool   `toml:"queue_busy_sessions"`
}

type SafetyConfig struct {
	TrustMode           string   `toml:"trust_mode"` // strict, moderate, permissive, yolo
	ApprovalTimeoutSecs int      `toml:"approval_timeout_secs"`
	AllowHosts          []string `toml:"allow_hosts"`
}

type StorageConfig struct {
	Backend     string `toml:"backend"` // sqlite, postgres, memory
	Path        string `toml:"path"`    // sqlite file path
	PostgresURL string `toml:"postgres_url"`
}

type ProactiveConfig struct {
	Enabled    bool   `toml:"enabled"`
	QuietStart string `toml:"quiet_start"` // "HH:MM"
	QuietEnd   string `toml:"quiet_end"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Model: ModelConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		Agent: AgentConfig{
			MaxTurns:         25,
			ContextWindowMax: 100_000,
			ToolTimeoutSecs:  60,
		},
		Safety: SafetyConfig{
			TrustMode:           "moderate",
			ApprovalTimeoutSecs: 120,
		},
		Storage: StorageConfig{Backend: "sqlite", Path: "mirage.db"},
		Proactive: ProactiveConfig{
			QuietStart: "22:00",
			QuietEnd:   "08:00",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "mirage.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("MIRAGE_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	if v := os.Getenv("MIRAGE_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("MIRAGE_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("MIRAGE_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("MIRAGE_TRUST_MODE"); v != "" {
		cfg.Safety.TrustMode = v
	}
	if v := os.Getenv("MIRAGE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("MIRAGE_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MIRAGE_POSTGRES_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}
	if v := os.Getenv("MIRAGE_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxTurns = n
		}
	}
	if v := os.Getenv("MIRAGE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Compression.Provider == "" {
		cfg.Compression.Provider = cfg.Model.Provider
		cfg.Compression.Model = cfg.Model.Model
	}
	if cfg.Compression.APIKey == "" {
		cfg.Compression.APIKey = cfg.Model.APIKey
	}

	return cfg
}

// Validate checks required options. Returns a *ConfigError for the first
// missing or invalid field.
func (c Config) Validate() error {
	if c.Model.Provider == "" {
		return &ConfigError{Field: "model.provider", Message: "required"}
	}
	if c.Model.Model == "" {
		return &ConfigError{Field: "model.model", Message: "required"}
	}
	if c.Model.APIKey == "" && c.Model.Provider != "ollama" {
		return &ConfigError{Field: "model.api_key", Message: "required (or set MIRAGE_API_KEY)"}
	}
	switch c.Safety.TrustMode {
	case "strict", "moderate", "permissive", "yolo":
	default:
		return &ConfigError{Field: "safety.trust_mode", Message: fmt.Sprintf("unknown mode %q", c.Safety.TrustMode)}
	}
	switch c.Storage.Backend {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return &ConfigError{Field: "storage.postgres_url", Message: "required for postgres backend"}
		}
	default:
		return &ConfigError{Field: "storage.backend", Message: fmt.Sprintf("unknown backend %q", c.Storage.Backend)}
	}
	if c.Agent.MaxTurns <= 0 {
		return &ConfigError{Field: "agent.max_turns", Message: "must be positive"}
	}
	return nil
}
