package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

// triggerCmd writes an event descriptor file into the watched directory.
// The events runner (possibly in another process) picks it up from there.
func triggerCmd() *cobra.Command {
	var (
		kind      string
		text      string
		at        string
		schedule  string
		timezone  string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Drop an event file for the events runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			desc := map[string]string{
				"type": kind,
				"text": text,
			}
			switch kind {
			case "immediate":
			case "one-shot":
				if at == "" {
					return fmt.Errorf("one-shot triggers require --at")
				}
				desc["at"] = at
			case "periodic":
				if schedule == "" {
					return fmt.Errorf("periodic triggers require --schedule")
				}
				desc["schedule"] = schedule
				desc["timezone"] = timezone
			default:
				return fmt.Errorf("unknown trigger type %q", kind)
			}
			if sessionID != "" {
				desc["session"] = sessionID
			}

			data, err := json.MarshalIndent(desc, "", "  ")
			if err != nil {
				return err
			}

			dir := cfg.EventsDir()
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("failed to create events dir: %w", err)
			}

			// Write then rename so the runner never reads a partial file.
			name := fmt.Sprintf("trigger-%d.json", time.Now().UnixNano())
			tmp := filepath.Join(dir, "."+name+".tmp")
			if err := os.WriteFile(tmp, data, 0o600); err != nil {
				return fmt.Errorf("failed to write event file: %w", err)
			}
			if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("failed to place event file: %w", err)
			}

			fmt.Println("wrote", filepath.Join(dir, name))
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "type", "immediate", "trigger type: immediate, one-shot, or periodic")
	cmd.Flags().StringVar(&text, "text", "", "trigger text sent to the agent")
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 fire time (one-shot)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression (periodic)")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "timezone for the cron schedule (periodic)")
	cmd.Flags().StringVar(&sessionID, "session", "", "target session id")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}
