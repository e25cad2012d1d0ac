package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/colinrozzi/chat-state/pkg/config"
	"github.com/colinrozzi/chat-state/pkg/persistence"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect stored conversation snapshots",
	}
	cmd.AddCommand(newSnapshotListCommand())
	cmd.AddCommand(newSnapshotInspectCommand())
	cmd.AddCommand(newSnapshotExportCommand())
	return cmd
}

func newSnapshotListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversation ids with a stored snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfiguredStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ids, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newSnapshotInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <conversation-id>",
		Short: "Summarize one stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot(cmd, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Conversation: %s\n", snap.Conversation.ID)
			fmt.Fprintf(out, "Title:        %s\n", snap.Conversation.Title)
			fmt.Fprintf(out, "Model:        %s\n", snap.Settings.ModelID)
			fmt.Fprintf(out, "Turns:        %d\n", len(snap.Turns))
			fmt.Fprintf(out, "Saved:        %s\n", snap.SavedAt.Format("2006-01-02 15:04:05 MST"))
			if len(snap.Turns) > 0 {
				last := snap.Turns[len(snap.Turns)-1]
				fmt.Fprintf(out, "Last turn:    [%s] %s\n", last.Role, preview(last.Content, 80))
			}
			return nil
		},
	}
}

func newSnapshotExportCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Write one snapshot as indented JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot(cmd, args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return errors.Wrap(err, "encode snapshot")
			}
			data = append(data, '\n')
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func openConfiguredStore() (persistence.SnapshotStore, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return openStore(cfg.Storage)
}

func loadSnapshot(cmd *cobra.Command, convID string) (persistence.Snapshot, error) {
	store, err := openConfiguredStore()
	if err != nil {
		return persistence.Snapshot{}, err
	}
	defer func() { _ = store.Close() }()

	data, ok, err := store.Load(cmd.Context(), convID)
	if err != nil {
		return persistence.Snapshot{}, err
	}
	if !ok {
		return persistence.Snapshot{}, errors.Errorf("no snapshot for conversation %s", convID)
	}
	return persistence.Decode(data)
}

func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
