package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/storage/sqlite"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

var (
	openOnlyFlag bool
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var logCmd = &cobra.Command{
	Use:     "log",
	Aliases: []string{"logs", "l"},
	Short:   "Inspect the output log",
	Long: `Inspect sessions in the SQLite output log (storage.db_path).

Sessions can be named by any unique prefix of their id.`,
}

var logListCmd = &cobra.Command{
	Use:   "list",
	Short: "List logged sessions",
	Args:  cobra.NoArgs,
	RunE:  runLogList,
}

var logShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's input and output",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogShow,
}

var logExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogExport,
}

var logDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session's output, input and files",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogDelete,
}

func init() {
	rootCmd.AddCommand(logCmd)
	logCmd.AddCommand(logListCmd, logShowCmd, logExportCmd, logDeleteCmd)

	logListCmd.Flags().BoolVar(&openOnlyFlag, "open", false, "Only sessions still waiting for their reply")
	logListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sessions to show")

	logExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	logExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	logDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (*sqlite.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.LogBackend != "sqlite" {
		return nil, fmt.Errorf("log commands read the sqlite backend; storage.log_backend is %s", cfg.Storage.LogBackend)
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runLogList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(context.Background(), sqlite.ListOptions{
		OnlyOpen: openOnlyFlag,
		Limit:    limitFlag,
	})
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-8s %-10s %s\n", "ID", "STATUS", "MESSAGES", "UPDATED")
	fmt.Println(strings.Repeat("─", 45))

	for _, s := range sessions {
		status := "open"
		if s.Closed {
			status = "done"
		}
		fmt.Printf("%-10s %-8s %-10d %s\n", shortID(s.ID), status, s.Messages, timeAgo(s.UpdatedAt))
	}
	return nil
}

func loadTranscript(ctx context.Context, store *sqlite.SQLiteStore, prefix string) (storage.Transcript, error) {
	id, err := store.ResolveSession(ctx, prefix)
	if err != nil {
		return storage.Transcript{}, err
	}
	tr := storage.Transcript{Session: id}

	in, err := store.InputBySession(ctx, id)
	switch {
	case err == nil:
		tr.Input = in
	case !errors.Is(err, storage.ErrNotFound):
		return tr, err
	}
	if tr.Messages, err = store.Messages(ctx, id, 0); err != nil {
		return tr, err
	}
	if tr.Closed, err = store.Closed(ctx, id); err != nil {
		return tr, err
	}
	return tr, nil
}

func runLogShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	tr, err := loadTranscript(context.Background(), store, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session:   %s\n", tr.Session)
	if tr.Input != nil {
		fmt.Printf("Shortened: %s\n", tr.Input.Shortened)
		fmt.Printf("Submitted: %s\n", tr.Input.Header.Date.Format(time.RFC3339))
	}
	fmt.Printf("Closed:    %t\n", tr.Closed)
	if tr.Input != nil {
		fmt.Println(strings.Repeat("─", 60))
		fmt.Printf("\033[36min>\033[0m %s\n", truncate(tr.Input.Content.Code, 400))
	}

	fmt.Printf("\nMessages: %d\n", len(tr.Messages))
	fmt.Println(strings.Repeat("─", 60))
	for _, m := range tr.Messages {
		var b strings.Builder
		printMessage("", m, &b, &b)
		text := b.String()
		if m.MsgType == wire.ExecuteReply {
			status, _ := m.Content["status"].(string)
			text = status
		}
		fmt.Printf("\033[90m%4d %-15s\033[0m %s", m.Sequence, m.MsgType, text)
		if !strings.HasSuffix(text, "\n") {
			fmt.Println()
		}
	}
	return nil
}

func runLogExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	tr, err := loadTranscript(context.Background(), store, args[0])
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(tr)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		output = storage.ExportMarkdown(tr)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func runLogDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	id, err := store.ResolveSession(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete session %s? [y/N] ", shortID(id))
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteSession(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", shortID(id))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
