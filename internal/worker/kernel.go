package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/sandbox"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

// Error names reported in error replies.
const (
	EnameInterrupted = "Interrupted"
	EnameTimeout     = "Timeout"
	EnameExit        = "NonZeroExit"
	EnameStart       = "StartError"
	EnameBadRequest  = "BadRequest"
)

const interruptGrace = 2 * time.Second

// Kernel runs one request at a time as a child of the worker process.
type Kernel struct {
	policy  sandbox.Policy
	dir     string
	publish func(wire.Message)
	log     *zap.Logger

	mu        sync.Mutex
	running   bool
	interrupt context.CancelFunc
}

// NewKernel returns a kernel that runs code with policy's interpreter in dir
// and publishes everything it produces through publish.
func NewKernel(policy sandbox.Policy, dir string, publish func(wire.Message), log *zap.Logger) *Kernel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Kernel{policy: policy, dir: dir, publish: publish, log: log}
}

// Busy reports whether a request is running.
func (k *Kernel) Busy() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

// Interrupt cancels the running request. It reports false when idle.
func (k *Kernel) Interrupt() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running || k.interrupt == nil {
		return false
	}
	k.interrupt()
	return true
}

// Execute runs req and returns its execute_reply, which is also published.
// A second request while one is running gets a busy reply.
func (k *Kernel) Execute(ctx context.Context, req wire.Message) wire.Message {
	if req.MsgType != wire.ExecuteRequest {
		return k.fail(req, EnameBadRequest, fmt.Sprintf("unsupported message type %q", req.MsgType))
	}
	code, _ := req.Content["code"].(string)

	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		reply := req.Reply(wire.ExecuteReply, map[string]any{"status": wire.StatusBusy})
		k.publish(reply)
		return reply
	}
	runCtx, interrupt := context.WithCancel(ctx)
	k.running = true
	k.interrupt = interrupt
	k.mu.Unlock()

	defer func() {
		interrupt()
		k.mu.Lock()
		k.running = false
		k.interrupt = nil
		k.mu.Unlock()
	}()

	start := time.Now()
	ename, evalue := k.run(runCtx, ctx, req, code)
	k.log.Info("request finished",
		zap.String("msg_id", req.Header.MsgID),
		zap.String("session", req.Header.Session),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("ename", ename),
	)
	if ename != "" {
		return k.fail(req, ename, evalue)
	}
	reply := req.Reply(wire.ExecuteReply, map[string]any{"status": wire.StatusOK})
	k.publish(reply)
	return reply
}

func (k *Kernel) fail(req wire.Message, ename, evalue string) wire.Message {
	k.publish(req.Reply(wire.Error, map[string]any{
		"ename":     ename,
		"evalue":    evalue,
		"traceback": []any{},
	}))
	reply := req.Reply(wire.ExecuteReply, map[string]any{
		"status": wire.StatusError,
		"ename":  ename,
		"evalue": evalue,
	})
	k.publish(reply)
	return reply
}

// run executes code and returns a non-empty ename on failure. parent is the
// caller's context, used to tell an interrupt from a shutdown.
func (k *Kernel) run(ctx, parent context.Context, req wire.Message, code string) (string, string) {
	if len(k.policy.Interpreter) == 0 {
		return EnameStart, "no interpreter configured"
	}
	runCtx := ctx
	if k.policy.MaxRunTime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, k.policy.MaxRunTime)
		defer cancel()
	}

	argv := k.policy.Command(code)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = k.dir
	cmd.Env = childEnv(k.dir)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = interruptGrace

	stdout := &lineWriter{emit: k.streamer(req, "stdout")}
	stderr := &lineWriter{emit: k.streamer(req, "stderr")}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return EnameStart, err.Error()
	}
	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return EnameTimeout, fmt.Sprintf("execution exceeded %s", k.policy.MaxRunTime)
	case ctx.Err() != nil && parent.Err() == nil:
		return EnameInterrupted, "execution interrupted"
	case ctx.Err() != nil:
		return EnameInterrupted, "worker shutting down"
	case waitErr != nil:
		return EnameExit, waitErr.Error()
	}
	return "", ""
}

func (k *Kernel) streamer(req wire.Message, name string) func(string) {
	return func(text string) {
		k.publish(req.Reply(wire.Stream, map[string]any{"name": name, "text": text}))
	}
}

// lineWriter hands the complete lines of each write to emit in one piece
// and holds back a trailing partial line until the next write or Flush.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	if i := bytes.LastIndexByte(w.buf.Bytes(), '\n'); i >= 0 {
		w.emit(string(w.buf.Next(i + 1)))
	}
	return len(p), nil
}

// Flush emits whatever partial line is buffered.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func childEnv(dir string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	return []string{
		"PATH=" + path,
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"PYTHONUNBUFFERED=1",
	}
}
