package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"merchbot/internal/agent"
	"merchbot/internal/config"
	"merchbot/internal/providers"
	"merchbot/internal/session"
	"merchbot/internal/tools"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// buildProvider picks the configured LLM provider: Anthropic when its key is
// set, otherwise any OpenAI-compatible endpoint.
func buildProvider(cfg *config.Config) (providers.Provider, error) {
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		return providers.NewAnthropicProvider(key, cfg.Providers.Anthropic.DefaultModel), nil
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		return providers.NewOpenAICompatProvider(key, cfg.Providers.OpenAI.BaseURL, cfg.Providers.OpenAI.DefaultModel), nil
	}
	return nil, fmt.Errorf("no provider configured: set an Anthropic or OpenAI API key")
}

// buildTools registers every configured integration.
func buildTools(cfg *config.Config) *tools.Registry {
	r := tools.NewRegistry()
	r.Register(tools.NewWebGetTool())
	if s := cfg.Integrations.Shopify; s.ShopDomain != "" {
		r.Register(tools.NewShopifyTool(s.ShopDomain, s.AccessToken, s.APIVersion))
	}
	if k := cfg.Integrations.Klaviyo; k.APIKey != "" {
		r.Register(tools.NewKlaviyoTool(k.APIKey))
	}
	return r
}

func buildClient(cfg *config.Config, provider providers.Provider, store *session.Store, registry *tools.Registry, sessionID string) *agent.Client {
	return agent.NewClient(agent.ClientConfig{
		Provider:      provider,
		Sessions:      store,
		Tools:         registry,
		SessionID:     sessionID,
		Model:         cfg.Agent.Model,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   cfg.Agent.Temperature,
		MaxIterations: cfg.Agent.MaxToolIterations,
	})
}
