package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/logger"
	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/wire"
	"github.com/michaelbrown/cellsrv/internal/worker"
)

var errWorkerLost = errors.New("worker stopped answering heartbeats")

// execute runs in on worker id. Everything the worker publishes for in is
// appended to the log; files the computation created are stored and
// announced before the terminal reply. Whatever happens, the session ends
// with a terminal reply.
func (d *Dispatcher) execute(ctx context.Context, id string, in storage.InputMessage) error {
	session := in.Session()
	h, ok := d.sup.Get(id)
	if !ok {
		return d.abort(ctx, in, EnameWorkerLost, "worker disappeared before the request started")
	}

	staged, err := d.stageFiles(ctx, session, in.Content.Files, h.ScratchDir)
	if err != nil {
		return d.abort(ctx, in, EnameWorkerLost, err.Error())
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	reqCtx, cancelTimeout := context.WithTimeout(reqCtx, d.cfg.MaxTimeout)
	defer cancelTimeout()

	c, err := worker.Dial(reqCtx, h.Endpoint)
	if err != nil {
		return d.abort(ctx, in, EnameWorkerLost, err.Error())
	}
	defer c.Close()

	stopBeat := d.heartbeat(reqCtx, h.Endpoint, cancel)
	defer stopBeat()

	reply, err := c.Execute(reqCtx, in.Wire(), func(m wire.Message) error {
		if m.MsgType == wire.ExecuteReply {
			return nil
		}
		if _, err := d.log.Append(ctx, storage.FromWire(session, m)); err != nil {
			return fmt.Errorf("appending output: %w", err)
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(context.Cause(reqCtx), errWorkerLost):
			return d.abort(ctx, in, EnameWorkerLost, errWorkerLost.Error())
		case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
			return d.abort(ctx, in, EnameTimeout, fmt.Sprintf("no reply within %s", d.cfg.MaxTimeout))
		case ctx.Err() != nil:
			return d.abort(context.WithoutCancel(ctx), in, EnameWorkerLost, "server shutting down")
		}
		return d.abort(ctx, in, EnameWorkerLost, err.Error())
	}

	if err := d.harvestFiles(ctx, in, h.ScratchDir, staged); err != nil {
		logger.Warn(ctx, "collecting generated files", zap.Error(err))
	}

	if reply.Status() != wire.StatusOK && reply.Status() != wire.StatusError {
		// busy or unknown: the session must still end.
		return d.abort(ctx, in, EnameWorkerLost, fmt.Sprintf("worker replied %q", reply.Status()))
	}
	if _, err := d.log.Append(ctx, storage.FromWire(session, reply)); err != nil {
		return fmt.Errorf("appending reply: %w", err)
	}
	return nil
}

// abort ends the session with an error message and an error reply.
func (d *Dispatcher) abort(ctx context.Context, in storage.InputMessage, ename, evalue string) error {
	req := in.Wire()
	errMsg := req.Reply(wire.Error, map[string]any{"ename": ename, "evalue": evalue, "traceback": []any{}})
	reply := req.Reply(wire.ExecuteReply, map[string]any{"status": wire.StatusError, "ename": ename, "evalue": evalue})

	for _, m := range []wire.Message{errMsg, reply} {
		if _, err := d.log.Append(ctx, storage.FromWire(in.Session(), m)); err != nil {
			return fmt.Errorf("%s: %s (logging failed: %w)", ename, evalue, err)
		}
	}
	return fmt.Errorf("%s: %s", ename, evalue)
}

// heartbeat pings the worker after FirstBeat and then every BeatInterval,
// cancelling the request with errWorkerLost on the first missed beat.
func (d *Dispatcher) heartbeat(ctx context.Context, conn wire.Connection, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(d.cfg.FirstBeat)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-timer.C:
			}
			if err := worker.Ping(ctx, conn, d.cfg.BeatInterval); err != nil {
				if ctx.Err() == nil {
					logger.Warn(ctx, "heartbeat missed", zap.Error(err))
					cancel(errWorkerLost)
				}
				return
			}
			timer.Reset(d.cfg.BeatInterval)
		}
	}()
	return func() { close(done) }
}
