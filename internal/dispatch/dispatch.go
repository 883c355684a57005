// Package dispatch delivers submitted inputs to pooled workers and copies
// everything the workers publish into the output log.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/cellsrv/internal/logger"
	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/supervisor"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

var (
	ErrQueueFull  = errors.New("dispatch queue full")
	ErrNotRunning = errors.New("session is not running")
	ErrClosed     = errors.New("dispatcher closed")
	ErrNoWorkers  = errors.New("no workers available")
)

// A lost pool worker is replaced with up to replaceAttempts starts, waiting
// replaceBackoff before the second and doubling it after each failure.
const (
	replaceAttempts = 3
	replaceBackoff  = 100 * time.Millisecond
)

// Error names of replies the dispatcher writes on a worker's behalf.
const (
	EnameWorkerLost = "WorkerLost"
	EnameTimeout    = "Timeout"
)

// Supervisor is the part of supervisor.Supervisor the dispatcher uses.
type Supervisor interface {
	Start(ctx context.Context, so supervisor.StartOptions) (string, wire.Connection, error)
	Restart(ctx context.Context, id string) (string, wire.Connection, error)
	Kill(id string) (bool, error)
	Interrupt(id string) (bool, error)
	Get(id string) (supervisor.Handle, bool)
}

// Config tunes the pool and the liveness checks.
type Config struct {
	PoolSize     int
	QueueSize    int
	FirstBeat    time.Duration // delay before the first heartbeat of a request
	BeatInterval time.Duration // heartbeat period after the first
	MaxTimeout   time.Duration // wall-clock budget of one request
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PoolSize:     2,
		QueueSize:    64,
		FirstBeat:    time.Second,
		BeatInterval: 500 * time.Millisecond,
		MaxTimeout:   60 * time.Second,
	}
}

// Stats is a snapshot of the dispatcher.
type Stats struct {
	Queued  int               `json:"queued"`
	Idle    int               `json:"idle"`
	Workers int               `json:"workers"`
	Running map[string]string `json:"running"` // session -> worker id
}

// Dispatcher runs queued inputs on a warm pool of workers, one input per
// worker at a time. A worker is restarted after every input.
type Dispatcher struct {
	cfg   Config
	sup   Supervisor
	log   storage.OutputLog
	blobs storage.BlobStore

	queue  chan storage.InputMessage
	idle   chan string
	shrunk chan struct{}

	mu      sync.Mutex
	size    int // pool workers, idle or busy
	running map[string]string
	wg      sync.WaitGroup
}

// New creates a Dispatcher. Zero config fields take their defaults.
func New(cfg Config, sup Supervisor, log storage.OutputLog, blobs storage.BlobStore) *Dispatcher {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.FirstBeat <= 0 {
		cfg.FirstBeat = def.FirstBeat
	}
	if cfg.BeatInterval <= 0 {
		cfg.BeatInterval = def.BeatInterval
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	return &Dispatcher{
		cfg:     cfg,
		sup:     sup,
		log:     log,
		blobs:   blobs,
		queue:   make(chan storage.InputMessage, cfg.QueueSize),
		idle:    make(chan string, cfg.PoolSize),
		shrunk:  make(chan struct{}, 1),
		running: make(map[string]string),
	}
}

// Start fills the pool, starting workers concurrently.
func (d *Dispatcher) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.PoolSize; i++ {
		g.Go(func() error {
			id, _, err := d.sup.Start(gctx, supervisor.StartOptions{})
			if err != nil {
				return fmt.Errorf("starting pool worker: %w", err)
			}
			d.idle <- id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	d.mu.Lock()
	d.size = d.cfg.PoolSize
	d.mu.Unlock()
	logger.Info(ctx, "worker pool ready", zap.Int("workers", d.cfg.PoolSize))
	return nil
}

// Dispatch queues in without waiting for a worker.
func (d *Dispatcher) Dispatch(ctx context.Context, in storage.InputMessage) error {
	select {
	case d.queue <- in:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run hands queued inputs to idle workers until ctx is cancelled, then waits
// for running inputs to finish. An input for which no worker can be obtained
// ends with a WorkerLost reply.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()
	for {
		var in storage.InputMessage
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in = <-d.queue:
		}

		id, err := d.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lctx := logger.WithFields(ctx, zap.String("session", in.Session()))
			logger.Warn(lctx, "computation failed", zap.Error(d.abort(ctx, in, EnameWorkerLost, err.Error())))
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handle(ctx, id, in)
		}()
	}
}

// Interrupt interrupts the worker running session.
func (d *Dispatcher) Interrupt(session string) (bool, error) {
	d.mu.Lock()
	id, ok := d.running[session]
	d.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotRunning, session)
	}
	return d.sup.Interrupt(id)
}

// Stats returns a snapshot of the queue and pool.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	running := make(map[string]string, len(d.running))
	for s, id := range d.running {
		running[s] = id
	}
	return Stats{Queued: len(d.queue), Idle: len(d.idle), Workers: d.size, Running: running}
}

func (d *Dispatcher) poolSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// acquire returns an idle worker. While the pool is below its size it first
// tries to start a replacement, and it fails once the pool is empty and no
// worker can be started.
func (d *Dispatcher) acquire(ctx context.Context) (string, error) {
	for {
		select {
		case id := <-d.idle:
			return id, nil
		default:
		}

		if d.poolSize() < d.cfg.PoolSize {
			id, err := d.startWorker(ctx)
			if err == nil {
				d.mu.Lock()
				d.size++
				d.mu.Unlock()
				return id, nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if d.poolSize() == 0 {
				return "", fmt.Errorf("%w: %v", ErrNoWorkers, err)
			}
		}

		select {
		case id := <-d.idle:
			return id, nil
		case <-d.shrunk:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// startWorker starts a fresh worker, retrying with backoff.
func (d *Dispatcher) startWorker(ctx context.Context) (string, error) {
	backoff := replaceBackoff
	var err error
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		var id string
		if id, _, err = d.sup.Start(ctx, supervisor.StartOptions{}); err == nil {
			return id, nil
		}
	}
	return "", err
}

func (d *Dispatcher) shrink() {
	d.mu.Lock()
	d.size--
	d.mu.Unlock()
	select {
	case d.shrunk <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) setRunning(session, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == "" {
		delete(d.running, session)
		return
	}
	d.running[session] = id
}

// handle runs one input on worker id and returns the worker to the pool.
func (d *Dispatcher) handle(ctx context.Context, id string, in storage.InputMessage) {
	session := in.Session()
	ctx = logger.WithFields(ctx, zap.String("session", session), zap.String("worker_id", id))

	d.setRunning(session, id)
	err := d.execute(ctx, id, in)
	d.setRunning(session, "")
	if err != nil {
		logger.Warn(ctx, "computation failed", zap.Error(err))
	}

	d.recycle(ctx, id)
}

// recycle restarts a used worker and returns it to the pool. A worker that
// cannot be restarted is replaced.
func (d *Dispatcher) recycle(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}
	_, _, err := d.sup.Restart(ctx, id)
	if err == nil {
		d.idle <- id
		return
	}
	logger.Warn(ctx, "restarting worker failed; replacing it", zap.Error(err))

	d.sup.Kill(id)
	newID, err := d.startWorker(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error(ctx, "replacing worker failed; pool shrinks", zap.Error(err))
			d.shrink()
		}
		return
	}
	d.idle <- newID
}
