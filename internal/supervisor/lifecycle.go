package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/wire"
)

// Kill terminates the worker's whole process group and reaps it. A process
// that is already gone counts as killed. The scratch directory is removed
// whether or not the kill succeeds; the handle is dropped only on success.
func (s *Supervisor) Kill(id string) (bool, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.kill(id)
}

func (s *Supervisor) kill(id string) (bool, error) {
	s.mu.Lock()
	p, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}

	err := s.terminate(p)
	if err != nil {
		s.log.Warn("worker kill failed", zap.String("worker_id", id), zap.Error(err))
		return false, err
	}

	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
	s.log.Info("worker killed", zap.String("worker_id", id), zap.Int("pid", p.handle.PID))
	return true, nil
}

// terminate sends SIGTERM to the process group, escalates to SIGKILL after
// the grace period and removes the scratch directory.
func (s *Supervisor) terminate(p *process) error {
	pgid := p.handle.PID
	var errs []error

	if err := signalGroup(pgid, sigTerm); err != nil {
		errs = append(errs, fmt.Errorf("signalling process group %d: %w", pgid, err))
	}
	if !waitExit(p, s.opts.KillGrace) {
		if err := signalGroup(pgid, sigKill); err != nil {
			errs = append(errs, fmt.Errorf("killing process group %d: %w", pgid, err))
		}
		if !waitExit(p, s.opts.KillGrace) {
			errs = append(errs, fmt.Errorf("worker %d did not exit", pgid))
		}
	}
	if !p.alive() {
		// Anything left in the group outlived its leader.
		signalGroup(pgid, sigKill)
	}

	if err := os.RemoveAll(p.handle.ScratchDir); err != nil {
		errs = append(errs, fmt.Errorf("removing scratch dir: %w", err))
	}
	return errors.Join(errs...)
}

func waitExit(p *process, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.exited:
		return true
	case <-t.C:
		return false
	}
}

// Interrupt sends SIGINT to the worker leader only, which cancels the
// request it is running.
func (s *Supervisor) Interrupt(id string) (bool, error) {
	unlock := s.lock(id)
	defer unlock()

	s.mu.Lock()
	p, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if err := signalLeader(p.handle.PID, sigInt); err != nil {
		return false, fmt.Errorf("interrupting worker %s: %w", id, err)
	}
	return true, nil
}

// Restart kills the worker and starts a new one under the same id that
// reuses the old endpoint's address, key and ports.
func (s *Supervisor) Restart(ctx context.Context, id string) (string, wire.Connection, error) {
	unlock := s.lock(id)
	defer unlock()

	s.mu.Lock()
	p, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return "", wire.Connection{}, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	prev := p.handle.Endpoint.Clone()
	limits := p.handle.Limits.Clone()

	if _, err := s.kill(id); err != nil {
		return "", wire.Connection{}, fmt.Errorf("restarting worker %s: %w", id, err)
	}
	return s.start(ctx, StartOptions{ID: id, Limits: limits, Connection: prev})
}
