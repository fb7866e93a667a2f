// Package config loads and validates the service configuration from TOML,
// applies defaults, and resolves completion-provider credentials from the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete service configuration.
type Config struct {
	Server          ServerConfig           `toml:"server"`
	Analysis        AnalysisConfig         `toml:"analysis"`
	Models          map[string]ModelConfig `toml:"models"`
	PromptTemplates PromptTemplates        `toml:"prompt_templates"`
	Logging         LoggingConfig          `toml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr                 string `toml:"addr"`                   // default ":8080"
	ShutdownGraceSeconds int    `toml:"shutdown_grace_seconds"` // default 10
}

// AnalysisConfig holds orchestration settings for analysis runs.
type AnalysisConfig struct {
	MaxConcurrentSessions    int `toml:"max_concurrent_sessions"`    // admission cap, default 8
	SessionDeadlineSeconds   int `toml:"session_deadline_seconds"`   // whole-run wall clock, default 600
	StageDelayMs             int `toml:"stage_delay_ms"`             // pacing between stages, default 150
	SessionRetentionMinutes  int `toml:"session_retention_minutes"`  // terminal session TTL, 0 disables eviction, default 60
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"` // observer heartbeat, default 15
}

// ModelConfig describes one completion endpoint. The retry budget fields feed
// the gateway; everything else feeds the transport.
type ModelConfig struct {
	BaseURL                string  `toml:"base_url"`
	ModelName              string  `toml:"model_name"`
	Temperature            float64 `toml:"temperature"`
	TopP                   float64 `toml:"top_p"`
	MaxOutputTokens        int     `toml:"max_output_tokens"`
	RateLimitPerMinute     int     `toml:"rate_limit_per_minute"`
	MaxAttempts            int     `toml:"max_attempts"`             // default 3
	AttemptTimeoutSeconds  int     `toml:"attempt_timeout_seconds"`  // default 60
	OverallDeadlineSeconds int     `toml:"overall_deadline_seconds"` // default 240
	BaseBackoffMs          int     `toml:"base_backoff_ms"`          // default 2000
	MaxBackoffSeconds      int     `toml:"max_backoff_seconds"`      // default 30
}

// PromptTemplates holds the customizable stage prompt templates. Empty fields
// fall back to the built-in defaults.
type PromptTemplates struct {
	PrescanSystem string `toml:"prescan_system"`
	Prescan       string `toml:"prescan"`
	SectionSystem string `toml:"section_system"`
	Section       string `toml:"section"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	File  string `toml:"file"`  // JSON log file, empty = stderr only
	Level string `toml:"level"` // debug|info|warn|error, default info
}

const (
	// MaxConcurrentSessions caps the admission limit; beyond this the
	// completion provider is the bottleneck anyway.
	MaxConcurrentSessions = 256
	// MaxSessionDeadlineSeconds caps the per-session wall clock.
	MaxSessionDeadlineSeconds = 3600
)

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	if c.Analysis.MaxConcurrentSessions < 1 {
		return fmt.Errorf("analysis.max_concurrent_sessions must be at least 1 (got %d)", c.Analysis.MaxConcurrentSessions)
	}
	if c.Analysis.MaxConcurrentSessions > MaxConcurrentSessions {
		return fmt.Errorf("analysis.max_concurrent_sessions must not exceed %d (got %d)", MaxConcurrentSessions, c.Analysis.MaxConcurrentSessions)
	}
	if c.Analysis.SessionDeadlineSeconds < 1 || c.Analysis.SessionDeadlineSeconds > MaxSessionDeadlineSeconds {
		return fmt.Errorf("analysis.session_deadline_seconds must be between 1 and %d (got %d)", MaxSessionDeadlineSeconds, c.Analysis.SessionDeadlineSeconds)
	}
	if c.Analysis.StageDelayMs < 0 || c.Analysis.StageDelayMs > 10000 {
		return fmt.Errorf("analysis.stage_delay_ms must be between 0 and 10000 (got %d)", c.Analysis.StageDelayMs)
	}
	if c.Analysis.SessionRetentionMinutes < 0 {
		return fmt.Errorf("analysis.session_retention_minutes must not be negative (got %d)", c.Analysis.SessionRetentionMinutes)
	}
	if c.Analysis.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("analysis.heartbeat_interval_seconds must be at least 1 (got %d)", c.Analysis.HeartbeatIntervalSeconds)
	}

	main, ok := c.Models["main"]
	if !ok {
		return fmt.Errorf("models.main is required")
	}
	if err := validateModelConfig("main", main); err != nil {
		return err
	}
	for name, m := range c.Models {
		if name == "main" {
			continue
		}
		if err := validateModelConfig(name, m); err != nil {
			return err
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}

	return nil
}

func validateModelConfig(name string, m ModelConfig) error {
	if m.BaseURL == "" {
		return fmt.Errorf("models.%s.base_url is required", name)
	}
	if !strings.HasPrefix(m.BaseURL, "http://") && !strings.HasPrefix(m.BaseURL, "https://") {
		return fmt.Errorf("models.%s.base_url must be an http(s) URL (got %q)", name, m.BaseURL)
	}
	if m.ModelName == "" {
		return fmt.Errorf("models.%s.model_name is required", name)
	}
	if m.Temperature < 0 || m.Temperature > 2 {
		return fmt.Errorf("models.%s.temperature must be between 0 and 2 (got %.2f)", name, m.Temperature)
	}
	if m.MaxAttempts < 1 || m.MaxAttempts > 10 {
		return fmt.Errorf("models.%s.max_attempts must be between 1 and 10 (got %d)", name, m.MaxAttempts)
	}
	if m.AttemptTimeoutSeconds < 1 {
		return fmt.Errorf("models.%s.attempt_timeout_seconds must be at least 1 (got %d)", name, m.AttemptTimeoutSeconds)
	}
	if m.OverallDeadlineSeconds < m.AttemptTimeoutSeconds {
		return fmt.Errorf("models.%s.overall_deadline_seconds must be at least attempt_timeout_seconds (got %d < %d)",
			name, m.OverallDeadlineSeconds, m.AttemptTimeoutSeconds)
	}
	if m.RateLimitPerMinute < 1 {
		return fmt.Errorf("models.%s.rate_limit_per_minute must be at least 1 (got %d)", name, m.RateLimitPerMinute)
	}
	return nil
}

// StageDelay returns the configured pacing delay between pipeline stages.
func (c *AnalysisConfig) StageDelay() time.Duration {
	return time.Duration(c.StageDelayMs) * time.Millisecond
}

// SessionDeadline returns the per-session wall-clock deadline.
func (c *AnalysisConfig) SessionDeadline() time.Duration {
	return time.Duration(c.SessionDeadlineSeconds) * time.Second
}

// SessionRetention returns the terminal-session TTL. Zero disables eviction.
func (c *AnalysisConfig) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionMinutes) * time.Minute
}

// HeartbeatInterval returns the observer heartbeat interval.
func (c *AnalysisConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}
