package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/cellsrv/internal/wire"
)

var timeoutFlag time.Duration

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run code on a cellsrv server and print its output",
	Long: `Submit a file (or stdin when no file or "-" is given) as one cell and
stream its output until the computation finishes.

Examples:
  cellsrv run script.py
  echo 'print(1+1)' | cellsrv run --server http://cells:8080`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addServerFlag(runCmd)
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 60*time.Second, "How long to wait for the computation")
	rootCmd.AddCommand(runCmd)
}

func readCode(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(args[0])
	return string(data), err
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return fmt.Errorf("reading code: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newAPIClient(serverFlag)
	sub, err := c.eval(ctx, "", code)
	if err != nil {
		return err
	}

	status, err := c.follow(ctx, sub.Session, os.Stdout, os.Stderr, timeoutFlag)
	if ctx.Err() != nil {
		// Ctrl+C: stop the computation too, not just the client.
		c.interrupt(context.Background(), sub.Session)
		return fmt.Errorf("interrupted")
	}
	if err != nil {
		return err
	}
	if status != wire.StatusOK {
		return fmt.Errorf("computation %s finished with status %s", sub.Session, status)
	}
	return nil
}
