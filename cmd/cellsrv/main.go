package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/cellsrv/internal/config"
	"github.com/michaelbrown/cellsrv/internal/logger"
)

var (
	configFlag string
	serverFlag string
)

var rootCmd = &cobra.Command{
	Use:   "cellsrv",
	Short: "cellsrv - sandboxed code cells over HTTP",
	Long: `cellsrv runs submitted code in sandboxed worker processes and relays
their output to clients by sequence number.

Start a server with "cellsrv serve", then submit code with "cellsrv run"
or interactively with "cellsrv repl".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./cellsrv.yaml or ~/.cellsrv/cellsrv.yaml)")
}

// addServerFlag registers --server on client commands.
func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverFlag, "server", "http://localhost:8080", "cellsrv server URL")
}

// loadConfig reads the configuration and installs the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
