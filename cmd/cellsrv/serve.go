package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/dispatch"
	"github.com/michaelbrown/cellsrv/internal/logger"
	"github.com/michaelbrown/cellsrv/internal/relay"
	"github.com/michaelbrown/cellsrv/internal/server"
	"github.com/michaelbrown/cellsrv/internal/supervisor"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cellsrv server",
	Long: `Start the worker pool and the HTTP server.

Clients submit code to /eval and read output from /output_poll and
/output_long_poll. Workers are administered under /workers.

Examples:
  cellsrv serve
  cellsrv serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	opts, err := cfg.SupervisorOptions(logger.L().Named("supervisor"))
	if err != nil {
		return err
	}
	sup, err := supervisor.New(opts)
	if err != nil {
		return fmt.Errorf("creating supervisor: %w", err)
	}
	defer sup.Close()

	d := dispatch.New(cfg.DispatchConfig(), sup, st.log, st.blobs)
	if err := d.Start(ctx); err != nil {
		return err
	}
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	svc := relay.New(cfg.RelayConfig(), st.log, st.inputs, st.blobs, d)

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(svc, d, sup)
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-runDone
		return err
	}
	<-runDone
	logger.L().Info("server stopped", zap.Int("workers", len(sup.List())))
	return nil
}
