// Package worker is the process that runs user code. It is started by the
// supervisor as "cellsrv worker", receives its Bootstrap on stdin, confines
// itself, opens its endpoint and reports the endpoint over the handshake pipe.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/logger"
	"github.com/michaelbrown/cellsrv/internal/sandbox"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

// HandshakeFD is the descriptor the handshake pipe is inherited on.
const HandshakeFD = 3

// Bootstrap is everything a worker needs to know at start-up.
type Bootstrap struct {
	ID          string            `json:"id"`
	ScratchDir  string            `json:"scratch_dir"`
	Limits      map[string]uint64 `json:"limits,omitempty"`
	Connection  wire.Connection   `json:"connection"`
	Interpreter []string          `json:"interpreter"`
	MaxRunTime  time.Duration     `json:"max_run_time"`
	LogLevel    string            `json:"log_level,omitempty"`
}

// Policy returns the sandbox policy described by b.
func (b Bootstrap) Policy() (sandbox.Policy, error) {
	limits, err := sandbox.ParseLimits(b.Limits)
	if err != nil {
		return sandbox.Policy{}, err
	}
	return sandbox.Policy{
		Limits:      limits,
		Interpreter: b.Interpreter,
		MaxRunTime:  b.MaxRunTime,
	}, nil
}

// Main runs a worker until SIGTERM. It returns the process exit code.
func Main(stdin io.Reader, handshake io.WriteCloser) int {
	if err := run(stdin, handshake); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return 2
	}
	return 0
}

func run(stdin io.Reader, handshake io.WriteCloser) error {
	// The handshake is closed on every path; a close without data tells the
	// supervisor start-up failed.
	defer handshake.Close()

	var boot Bootstrap
	if err := json.NewDecoder(stdin).Decode(&boot); err != nil {
		return fmt.Errorf("decoding bootstrap: %w", err)
	}

	// stderr is redirected by the supervisor; nothing is written to the
	// scratch dir, which belongs to user code.
	base, err := logger.New(logger.Config{Level: boot.LogLevel, Format: "json", Output: "stderr"})
	if err != nil {
		return err
	}
	log := base.With(zap.String("worker_id", boot.ID), zap.Int("pid", os.Getpid()))
	defer log.Sync()

	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("reading working directory: %w", err)
	}
	if boot.ScratchDir != "" && !sameDir(dir, boot.ScratchDir) {
		return fmt.Errorf("working directory is %s, expected %s", dir, boot.ScratchDir)
	}

	policy, err := boot.Policy()
	if err != nil {
		return err
	}
	if err := sandbox.Apply(policy.Limits); err != nil {
		log.Error("applying resource limits", zap.Error(err))
		return fmt.Errorf("applying resource limits: %w", err)
	}

	ep, err := Listen(boot.Connection, log)
	if err != nil {
		return err
	}
	kernel := NewKernel(policy, dir, ep.Publish, log)
	ep.Attach(kernel)

	// Signals are routed before the handshake so the supervisor can never
	// reach the default handlers.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			log.Info("interrupt received", zap.Bool("running", kernel.Interrupt()))
		}
	}()

	if err := json.NewEncoder(handshake).Encode(ep.Connection()); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	if err := handshake.Close(); err != nil {
		return fmt.Errorf("closing handshake: %w", err)
	}
	log.Info("worker ready",
		zap.String("dir", dir),
		zap.Any("ports", ep.Connection().Ports),
		zap.Strings("limits", kindNames(policy.Limits)),
	)

	err = ep.Serve(ctx)
	log.Info("worker stopping", zap.Error(err))
	return err
}

func sameDir(a, b string) bool {
	ra, err1 := filepath.EvalSymlinks(a)
	rb, err2 := filepath.EvalSymlinks(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ra == rb
}

func kindNames(set sandbox.LimitSet) []string {
	kinds := set.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
