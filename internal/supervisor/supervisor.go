// Package supervisor owns the live worker processes. Every worker runs in its
// own process group with its own scratch directory, and reports its endpoint
// once over a handshake pipe before it is registered.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/sandbox"
	"github.com/michaelbrown/cellsrv/internal/wire"
	"github.com/michaelbrown/cellsrv/internal/worker"
)

var (
	ErrUnknownWorker    = errors.New("unknown worker")
	ErrWorkerExists     = errors.New("worker already exists")
	ErrCapacity         = errors.New("worker capacity reached")
	ErrHandshakeTimeout = errors.New("worker handshake timed out")
	ErrHandshakeClosed  = errors.New("worker closed handshake without sending it")
)

// State of a worker process.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
)

// Handle is a snapshot of a live worker.
type Handle struct {
	ID         string           `json:"id"`
	PID        int              `json:"pid"`
	Endpoint   wire.Connection  `json:"endpoint"`
	ScratchDir string           `json:"scratch_dir"`
	State      State            `json:"state"`
	Limits     sandbox.LimitSet `json:"limits"`
	StartedAt  time.Time        `json:"started_at"`
}

// Options configures a Supervisor.
type Options struct {
	// Command starts a worker; it must end up in worker.Main. Empty means
	// the running executable with the "worker" argument.
	Command []string
	// Env is appended to the supervisor's environment for every worker.
	Env []string

	Policy           sandbox.Policy
	MaxWorkers       int // zero means unlimited
	HandshakeTimeout time.Duration
	KillGrace        time.Duration

	LogFile  string // receives every worker's stderr and log; empty means the supervisor's stderr
	LogLevel string

	Logger *zap.Logger
}

// StartOptions are the per-worker parameters of Start.
type StartOptions struct {
	ID         string           // empty means a fresh id
	Limits     sandbox.LimitSet // nil means the policy's limits
	Connection wire.Connection  // requested endpoint parameters; zero fields are chosen by the worker
}

type process struct {
	handle  Handle
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *process) snapshot() Handle {
	h := p.handle
	h.Endpoint = h.Endpoint.Clone()
	h.Limits = h.Limits.Clone()
	h.State = StateRunning
	if !p.alive() {
		h.State = StateExited
	}
	return h
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// Supervisor starts, signals and reaps worker processes.
type Supervisor struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	workers  map[string]*process
	reserved map[string]bool
	locks    map[string]*idLock
}

// New creates a Supervisor. Zero timeouts get defaults.
func New(opts Options) (*Supervisor, error) {
	if len(opts.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker executable: %w", err)
		}
		opts.Command = []string{exe, "worker"}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LogFile != "" {
		abs, err := filepath.Abs(opts.LogFile)
		if err != nil {
			return nil, fmt.Errorf("resolving worker log path: %w", err)
		}
		opts.LogFile = abs
	}
	return &Supervisor{
		opts:     opts,
		log:      opts.Logger,
		workers:  make(map[string]*process),
		reserved: make(map[string]bool),
		locks:    make(map[string]*idLock),
	}, nil
}

// lock serializes operations on one worker id.
func (s *Supervisor) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &idLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// Start spawns a worker and blocks until it has sent its handshake.
func (s *Supervisor) Start(ctx context.Context, so StartOptions) (string, wire.Connection, error) {
	if so.ID == "" {
		so.ID = uuid.NewString()
	}
	unlock := s.lock(so.ID)
	defer unlock()
	return s.start(ctx, so)
}

func (s *Supervisor) reserve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; ok || s.reserved[id] {
		return fmt.Errorf("%w: %s", ErrWorkerExists, id)
	}
	if s.opts.MaxWorkers > 0 && len(s.workers)+len(s.reserved) >= s.opts.MaxWorkers {
		return fmt.Errorf("%w: %d workers", ErrCapacity, s.opts.MaxWorkers)
	}
	s.reserved[id] = true
	return nil
}

func (s *Supervisor) release(id string) {
	s.mu.Lock()
	delete(s.reserved, id)
	s.mu.Unlock()
}

// start does the work of Start; the caller holds the id lock.
func (s *Supervisor) start(ctx context.Context, so StartOptions) (string, wire.Connection, error) {
	id := so.ID
	if err := s.reserve(id); err != nil {
		return "", wire.Connection{}, err
	}
	defer s.release(id)

	limits := so.Limits.Clone()
	if limits == nil {
		limits = s.opts.Policy.Limits.Clone()
	}

	scratch, err := os.MkdirTemp(s.opts.Policy.ScratchRoot, "cellsrv-worker-")
	if err != nil {
		return "", wire.Connection{}, fmt.Errorf("creating scratch dir: %w", err)
	}

	p, err := s.spawn(ctx, id, scratch, limits, so.Connection)
	if err != nil {
		os.RemoveAll(scratch)
		s.log.Warn("worker start failed", zap.String("worker_id", id), zap.Error(err))
		return "", wire.Connection{}, err
	}

	s.mu.Lock()
	s.workers[id] = p
	s.mu.Unlock()

	s.log.Info("worker started",
		zap.String("worker_id", id),
		zap.Int("pid", p.handle.PID),
		zap.String("scratch_dir", scratch),
	)
	return id, p.handle.Endpoint.Clone(), nil
}

func (s *Supervisor) spawn(ctx context.Context, id, scratch string, limits sandbox.LimitSet, req wire.Connection) (*process, error) {
	boot, err := json.Marshal(worker.Bootstrap{
		ID:          id,
		ScratchDir:  scratch,
		Limits:      limits.Raw(),
		Connection:  req.Clone(),
		Interpreter: s.opts.Policy.Interpreter,
		MaxRunTime:  s.opts.Policy.MaxRunTime,
		LogLevel:    s.opts.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding bootstrap: %w", err)
	}

	hsRead, hsWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating handshake pipe: %w", err)
	}
	defer hsRead.Close()

	output, closeOutput, err := s.openWorkerOutput()
	if err != nil {
		hsWrite.Close()
		return nil, err
	}
	defer closeOutput()

	argv := s.opts.Command
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = scratch
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Stdin = bytes.NewReader(boot)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.ExtraFiles = []*os.File{hsWrite} // fd 3 in the child
	cmd.SysProcAttr = sysProcAttr()

	err = cmd.Start()
	// The child holds its own copy; ours must go so EOF is seen if it dies.
	hsWrite.Close()
	if err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	p := &process{
		cmd:    cmd,
		exited: make(chan struct{}),
		handle: Handle{
			ID:         id,
			PID:        cmd.Process.Pid,
			ScratchDir: scratch,
			Limits:     limits,
			StartedAt:  time.Now().UTC(),
		},
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	conn, err := s.awaitHandshake(ctx, hsRead, p)
	if err != nil {
		s.terminate(p)
		return nil, err
	}
	p.handle.Endpoint = conn
	return p, nil
}

func (s *Supervisor) openWorkerOutput() (*os.File, func(), error) {
	if s.opts.LogFile == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(s.opts.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening worker log: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// awaitHandshake reads exactly one envelope from r.
func (s *Supervisor) awaitHandshake(ctx context.Context, r *os.File, p *process) (wire.Connection, error) {
	type result struct {
		conn wire.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		var conn wire.Connection
		err := json.NewDecoder(r).Decode(&conn)
		ch <- result{conn, err}
	}()

	timer := time.NewTimer(s.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			// Give the exit status a moment to explain the closed pipe.
			select {
			case <-p.exited:
				return wire.Connection{}, fmt.Errorf("%w: %v", ErrHandshakeClosed, p.waitErr)
			case <-time.After(100 * time.Millisecond):
				return wire.Connection{}, fmt.Errorf("%w: %v", ErrHandshakeClosed, res.err)
			}
		}
		if err := res.conn.Validate(); err != nil {
			return wire.Connection{}, fmt.Errorf("invalid handshake: %w", err)
		}
		return res.conn, nil
	case <-timer.C:
		return wire.Connection{}, fmt.Errorf("%w after %s", ErrHandshakeTimeout, s.opts.HandshakeTimeout)
	case <-ctx.Done():
		return wire.Connection{}, ctx.Err()
	}
}

// Get returns a snapshot of the worker with the given id.
func (s *Supervisor) Get(id string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.workers[id]
	if !ok {
		return Handle{}, false
	}
	return p.snapshot(), true
}

// List returns snapshots of every live worker ordered by id.
func (s *Supervisor) List() []Handle {
	s.mu.Lock()
	out := make([]Handle, 0, len(s.workers))
	for _, p := range s.workers {
		out = append(out, p.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close kills every worker.
func (s *Supervisor) Close() error {
	var errs []error
	for _, h := range s.List() {
		if _, err := s.Kill(h.ID); err != nil && !errors.Is(err, ErrUnknownWorker) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
