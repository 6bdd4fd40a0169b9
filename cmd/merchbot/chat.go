package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"merchbot/internal/agent"
	"merchbot/internal/events"
	"merchbot/internal/session"
)

func chatCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			provider, err := buildProvider(cfg)
			if err != nil {
				return err
			}

			store := session.NewStore(cfg.SessionsDir())
			client := buildClient(cfg, provider, store, buildTools(cfg), sessionID)

			ctx := cmd.Context()
			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Disconnect()

			memory := agent.LoadMemory(cfg.MemoryDir(), sessionID)
			client.SetSystemPrompt(agent.BuildSystemPrompt(session.SanitizeID(sessionID), memory))

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					fmt.Print("> ")
					continue
				}
				if line == "/quit" || line == "/exit" {
					break
				}

				resp, err := client.Chat(ctx, line, events.ChatCallbacks{})
				if err != nil {
					fmt.Fprintln(os.Stderr, "Error:", err)
				} else {
					fmt.Println(resp)
				}
				fmt.Print("> ")
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", session.DefaultID, "session id")
	return cmd
}
