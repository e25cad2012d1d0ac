package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/colinrozzi/chat-state/pkg/logging"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chat-state",
		Short: "Conversation state service for model-backed chat",
		Long: `chat-state owns the full lifecycle of model-backed conversations:
append-only history, context window budgeting, settings, retries against the
model endpoint, and snapshot persistence. It serves a JSON protocol over HTTP
plus a websocket event feed per conversation.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Init(logging.Settings{Level: logLevel, Format: "text"})
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: chat-state.yaml in ., ~/.config/chat-state, /etc/chat-state)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level until the config file takes over (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newTokensCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
