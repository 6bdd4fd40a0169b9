package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"merchbot/internal/agent"
	"merchbot/internal/config"
	"merchbot/internal/events"
	"merchbot/internal/session"
)

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Run the background events trigger engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			provider, err := buildProvider(cfg)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
				return fmt.Errorf("failed to create state dir: %w", err)
			}

			store := session.NewStore(cfg.SessionsDir())
			registry := buildTools(cfg)

			runner := events.NewRunner(eventsRunnerConfig(cfg, func(sessionID string) (events.Agent, error) {
				return buildClient(cfg, provider, store, registry, sessionID), nil
			}))

			if err := runner.Start(); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "events runner started, watching", cfg.EventsDir())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			fmt.Fprintln(os.Stderr, "shutting down")
			runner.Stop()
			return nil
		},
	}
}

// eventsRunnerConfig maps the file config onto the runner's knobs.
func eventsRunnerConfig(cfg *config.Config, factory events.AgentFactory) events.Config {
	return events.Config{
		Dir:         cfg.EventsDir(),
		AuditPath:   cfg.EventsLogPath(),
		Factory:     factory,
		BuildPrompt: agent.BuildSystemPrompt,
		LoadMemory: func(sessionID string) string {
			return agent.LoadMemory(cfg.MemoryDir(), sessionID)
		},
		Echo:            cfg.Events.Echo,
		LogUsage:        cfg.Events.LogUsage,
		Debounce:        config.ParseDuration(cfg.Events.Debounce),
		RestartDelay:    config.ParseDuration(cfg.Events.RestartDelay),
		PollInterval:    config.ParseDuration(cfg.Events.PollInterval),
		RetryDelay:      config.ParseDuration(cfg.Events.RetryDelay),
		ParseBackoff:    config.ParseDuration(cfg.Events.ParseBackoff),
		MaxPending:      cfg.Events.MaxPending,
		PoolSize:        cfg.Events.PoolSize,
		IdleTTL:         config.ParseDuration(cfg.Events.IdleTTL),
		CleanupInterval: config.ParseDuration(cfg.Events.CleanupInterval),
	}
}
