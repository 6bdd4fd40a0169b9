package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Load loads config from the default path (~/.merchbot/config.json). A
// missing file yields the defaults rather than an error.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	path := filepath.Join(home, ".merchbot", "config.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)
		expandStateDir(cfg)
		return cfg, nil
	}
	return LoadFromFile(path)
}

// LoadFromFile loads config from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader loads config from an io.Reader, applying defaults and env
// overrides.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	expandStateDir(cfg)

	return cfg, nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxTokens:         4096,
			MaxToolIterations: 40,
		},
		Integrations: IntegrationsConfig{
			Shopify: ShopifyConfig{APIVersion: "2024-10"},
		},
		StateDir: "~/.merchbot",
	}
}

// applyEnvOverrides applies MERCHBOT_-prefixed environment variable
// overrides for credentials and the model selection.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]*string{
		"MERCHBOT_PROVIDERS_OPENAI_APIKEY":    &cfg.Providers.OpenAI.APIKey,
		"MERCHBOT_PROVIDERS_ANTHROPIC_APIKEY": &cfg.Providers.Anthropic.APIKey,
		"MERCHBOT_AGENT_MODEL":                &cfg.Agent.Model,
		"MERCHBOT_SHOPIFY_SHOP_DOMAIN":        &cfg.Integrations.Shopify.ShopDomain,
		"MERCHBOT_SHOPIFY_ACCESS_TOKEN":       &cfg.Integrations.Shopify.AccessToken,
		"MERCHBOT_KLAVIYO_APIKEY":             &cfg.Integrations.Klaviyo.APIKey,
		"MERCHBOT_STATE_DIR":                  &cfg.StateDir,
	}
	for env, field := range envMap {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

// expandStateDir resolves a leading ~ in the state directory.
func expandStateDir(cfg *Config) {
	if strings.HasPrefix(cfg.StateDir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StateDir = filepath.Join(home, strings.TrimPrefix(cfg.StateDir, "~"))
		}
	}
}

// EventsDir returns the watched event directory, defaulting to
// <stateDir>/events.
func (c *Config) EventsDir() string {
	if c.Events.Dir != "" {
		return c.Events.Dir
	}
	return filepath.Join(c.StateDir, "events")
}

// SessionsDir returns where session message logs live.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.StateDir, "sessions")
}

// MemoryDir returns where per-session memory files live.
func (c *Config) MemoryDir() string {
	return filepath.Join(c.StateDir, "memory")
}

// EventsLogPath returns the audit log path for the events runner.
func (c *Config) EventsLogPath() string {
	return filepath.Join(c.StateDir, "events.log")
}

// ParseDuration parses a config duration string, returning 0 (meaning "use
// the default") for empty or invalid values.
func ParseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
