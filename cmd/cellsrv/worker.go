package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/cellsrv/internal/worker"
)

// workerCmd is what the supervisor executes for every worker process. The
// bootstrap arrives on stdin and the handshake leaves on an inherited fd.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a worker process (started by the supervisor)",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(worker.Main(os.Stdin, os.NewFile(worker.HandshakeFD, "handshake")))
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
