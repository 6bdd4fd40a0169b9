package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "merchbot",
		Short:         "LLM operations assistant for commerce teams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to config file (default ~/.merchbot/config.json)")

	root.AddCommand(chatCmd())
	root.AddCommand(eventsCmd())
	root.AddCommand(triggerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
