package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Model.Provider != "anthropic" {
		t.Errorf("expected anthropic, got %s", cfg.Model.Provider)
	}
	if cfg.Agent.MaxTurns != 25 {
		t.Errorf("expected 25 max turns, got %d", cfg.Agent.MaxTurns)
	}
	if cfg.Safety.TrustMode != "moderate" {
		t.Errorf("expected moderate, got %s", cfg.Safety.TrustMode)
	}
	if cfg.Safety.ApprovalTimeoutSecs != 120 {
		t.Errorf("expected 120s approval timeout, got %d", cfg.Safety.ApprovalTimeoutSecs)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[model]
provider = "openai"
model = "gpt-4o"

[safety]
trust_mode = "strict"

[proactive]
enabled = true
quiet_start = "23:00"
`), 0644)

	cfg := Load(path)
	if cfg.Model.Provider != "openai" {
		t.Errorf("expected openai, got %s", cfg.Model.Provider)
	}
	if cfg.Safety.TrustMode != "strict" {
		t.Errorf("expected strict, got %s", cfg.Safety.TrustMode)
	}
	if !cfg.Proactive.Enabled || cfg.Proactive.QuietStart != "23:00" {
		t.Errorf("unexpected proactive config: %+v", cfg.Proactive)
	}
	// Defaults preserved
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("default backend should be preserved, got %s", cfg.Storage.Backend)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MIRAGE_API_KEY", "env-key")
	t.Setenv("MIRAGE_TRUST_MODE", "permissive")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Model.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.Model.APIKey)
	}
	if cfg.Safety.TrustMode != "permissive" {
		t.Errorf("expected permissive, got %s", cfg.Safety.TrustMode)
	}
	// Fallback: compression inherits the main model
	if cfg.Compression.APIKey != "env-key" {
		t.Errorf("expected compression fallback to env-key, got %s", cfg.Compression.APIKey)
	}
	if cfg.Compression.Provider != cfg.Model.Provider {
		t.Errorf("expected compression provider fallback, got %s", cfg.Compression.Provider)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Model.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	missing := cfg
	missing.Model.APIKey = ""
	err := missing.Validate()
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Field != "model.api_key" {
		t.Errorf("expected api_key ConfigError, got %v", err)
	}

	badMode := cfg
	badMode.Safety.TrustMode = "reckless"
	if err := badMode.Validate(); err == nil {
		t.Errorf("expected error for unknown trust mode")
	}

	badStore := cfg
	badStore.Storage.Backend = "postgres"
	badStore.Storage.PostgresURL = ""
	if err := badStore.Validate(); err == nil {
		t.Errorf("expected error for postgres without url")
	}
}
