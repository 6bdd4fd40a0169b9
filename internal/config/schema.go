package config

// Config is the top-level configuration.
type Config struct {
	Providers    ProvidersConfig    `json:"providers"`
	Agent        AgentConfig        `json:"agent"`
	Integrations IntegrationsConfig `json:"integrations"`
	Events       EventsConfig       `json:"events"`
	StateDir     string             `json:"stateDir"`
}

// ProvidersConfig holds API keys and settings for LLM providers.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `json:"openai"`
	Anthropic ProviderConfig `json:"anthropic"`
}

type ProviderConfig struct {
	APIKey       string `json:"apiKey"`
	BaseURL      string `json:"baseUrl"`
	DefaultModel string `json:"defaultModel"`
}

// AgentConfig controls the chat/tool-call loop.
type AgentConfig struct {
	Model             string  `json:"model"`
	MaxTokens         int     `json:"maxTokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"maxToolIterations"`
}

// IntegrationsConfig holds credentials for the SaaS tool wrappers.
type IntegrationsConfig struct {
	Shopify ShopifyConfig `json:"shopify"`
	Klaviyo KlaviyoConfig `json:"klaviyo"`
}

type ShopifyConfig struct {
	ShopDomain  string `json:"shopDomain"` // e.g. "example.myshopify.com"
	AccessToken string `json:"accessToken"`
	APIVersion  string `json:"apiVersion"`
}

type KlaviyoConfig struct {
	APIKey string `json:"apiKey"`
}

// EventsConfig tunes the background events runner. Durations are Go
// duration strings ("100ms", "15m"); zero values select built-in defaults.
type EventsConfig struct {
	Dir             string `json:"dir"` // defaults to <stateDir>/events
	Echo            bool   `json:"echo"`
	LogUsage        bool   `json:"logUsage"`
	Debounce        string `json:"debounce"`
	RestartDelay    string `json:"restartDelay"`
	PollInterval    string `json:"pollInterval"`
	RetryDelay      string `json:"retryDelay"`
	ParseBackoff    string `json:"parseBackoff"`
	MaxPending      int    `json:"maxPending"`
	PoolSize        int    `json:"poolSize"`
	IdleTTL         string `json:"idleTtl"`
	CleanupInterval string `json:"cleanupInterval"`
}
