package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Load reads the configuration file, applies defaults, validates the result,
// and loads provider credentials from the environment. An empty configPath
// yields a pure-defaults configuration (still requires models.main, so it is
// only useful for tests).
func Load(configPath string) (*Config, *Secrets, error) {
	var cfg Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	secrets := LoadSecrets()
	return &cfg, secrets, nil
}

// LoadEnvFile loads environment variables from a dotenv file if it exists.
// A missing file is not an error; operators may rely on the real environment.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Secrets holds provider API keys resolved from the environment. They never
// appear in the TOML file.
type Secrets struct {
	APIKeys map[string]string
}

// LoadSecrets reads provider API keys from the environment. Provider-specific
// keys win over the generic API_KEY.
func LoadSecrets() *Secrets {
	secrets := &Secrets{APIKeys: make(map[string]string)}

	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		secrets.APIKeys["anthropic"] = key
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		secrets.APIKeys["openrouter"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}

	return secrets
}

// GetAPIKey resolves the key for an endpoint by provider domain, falling back
// to the generic key. Empty means an unauthenticated (local) endpoint.
func (s *Secrets) GetAPIKey(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "openai.com"):
		if key := s.APIKeys["openai"]; key != "" {
			return key
		}
	case strings.Contains(baseURL, "anthropic.com"):
		if key := s.APIKeys["anthropic"]; key != "" {
			return key
		}
	case strings.Contains(baseURL, "openrouter.ai"):
		if key := s.APIKeys["openrouter"]; key != "" {
			return key
		}
	case strings.Contains(baseURL, "together.xyz"), strings.Contains(baseURL, "together.ai"):
		if key := s.APIKeys["together"]; key != "" {
			return key
		}
	}
	return s.APIKeys["generic"]
}
