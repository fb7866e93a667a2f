package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := &Config{
		Models: map[string]ModelConfig{
			"main": {
				BaseURL:   "https://api.openai.com/v1",
				ModelName: "gpt-4o-mini",
			},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Analysis.MaxConcurrentSessions != 8 {
		t.Errorf("MaxConcurrentSessions = %d", cfg.Analysis.MaxConcurrentSessions)
	}
	m := cfg.Models["main"]
	if m.MaxAttempts != 3 || m.AttemptTimeoutSeconds != 60 || m.MaxBackoffSeconds != 30 {
		t.Errorf("model budget defaults not applied: %+v", m)
	}
	if cfg.PromptTemplates.Section == "" || cfg.PromptTemplates.Prescan == "" {
		t.Error("default prompt templates not applied")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Level = %q", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing main model", func(c *Config) { delete(c.Models, "main") }, true},
		{"bad base url", func(c *Config) {
			m := c.Models["main"]
			m.BaseURL = "ftp://example.com"
			c.Models["main"] = m
		}, true},
		{"missing model name", func(c *Config) {
			m := c.Models["main"]
			m.ModelName = ""
			c.Models["main"] = m
		}, true},
		{"deadline below attempt timeout", func(c *Config) {
			m := c.Models["main"]
			m.OverallDeadlineSeconds = 10
			m.AttemptTimeoutSeconds = 60
			c.Models["main"] = m
		}, true},
		{"too many attempts", func(c *Config) {
			m := c.Models["main"]
			m.MaxAttempts = 50
			c.Models["main"] = m
		}, true},
		{"concurrency over cap", func(c *Config) { c.Analysis.MaxConcurrentSessions = 9999 }, true},
		{"negative retention", func(c *Config) { c.Analysis.SessionRetentionMinutes = -1 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[server]
addr = ":9090"

[analysis]
max_concurrent_sessions = 4

[models.main]
base_url = "http://localhost:11434/v1"
model_name = "llama3"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, secrets, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Analysis.MaxConcurrentSessions != 4 {
		t.Errorf("MaxConcurrentSessions = %d", cfg.Analysis.MaxConcurrentSessions)
	}
	// Defaults still fill the gaps.
	if cfg.Models["main"].MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d", cfg.Models["main"].MaxAttempts)
	}
	if secrets == nil {
		t.Fatal("secrets is nil")
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("not = [valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestGetAPIKey(t *testing.T) {
	secrets := &Secrets{APIKeys: map[string]string{
		"openai":  "openai-key",
		"generic": "generic-key",
	}}

	tests := []struct {
		baseURL string
		want    string
	}{
		{"https://api.openai.com/v1", "openai-key"},
		{"https://openrouter.ai/api/v1", "generic-key"},
		{"http://localhost:11434/v1", "generic-key"},
	}

	for _, tt := range tests {
		if got := secrets.GetAPIKey(tt.baseURL); got != tt.want {
			t.Errorf("GetAPIKey(%q) = %q, want %q", tt.baseURL, got, tt.want)
		}
	}

	empty := &Secrets{APIKeys: map[string]string{}}
	if got := empty.GetAPIKey("http://localhost:11434/v1"); got != "" {
		t.Errorf("GetAPIKey on empty secrets = %q, want empty", got)
	}
}
