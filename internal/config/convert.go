package config

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/dispatch"
	"github.com/michaelbrown/cellsrv/internal/relay"
	"github.com/michaelbrown/cellsrv/internal/sandbox"
	"github.com/michaelbrown/cellsrv/internal/supervisor"
)

// Policy builds the worker confinement policy.
func (c *Config) Policy() (sandbox.Policy, error) {
	limits, err := sandbox.ParseLimits(c.Worker.ResourceLimits)
	if err != nil {
		return sandbox.Policy{}, err
	}
	return sandbox.Policy{
		Limits:      limits,
		Interpreter: append([]string(nil), c.Worker.Interpreter...),
		ScratchRoot: c.Supervisor.ScratchRoot,
		MaxRunTime:  c.Worker.MaxTimeout,
	}, nil
}

func (c *Config) SupervisorOptions(log *zap.Logger) (supervisor.Options, error) {
	policy, err := c.Policy()
	if err != nil {
		return supervisor.Options{}, fmt.Errorf("worker policy: %w", err)
	}
	return supervisor.Options{
		Command:          append([]string(nil), c.Supervisor.Command...),
		Policy:           policy,
		MaxWorkers:       c.Supervisor.MaxWorkers,
		HandshakeTimeout: c.Supervisor.HandshakeTimeout,
		KillGrace:        c.Supervisor.KillGrace,
		LogFile:          c.Supervisor.LogFile,
		LogLevel:         c.Log.Level,
		Logger:           log,
	}, nil
}

func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		PoolSize:     c.Worker.PoolSize,
		QueueSize:    c.Worker.QueueSize,
		FirstBeat:    c.Worker.FirstBeat,
		BeatInterval: c.Worker.BeatInterval,
		MaxTimeout:   c.Worker.MaxTimeout,
	}
}

// RelayConfig fills the link prefix from the listen port when base_url is
// not set.
func (c *Config) RelayConfig() relay.Config {
	base := c.Server.BaseURL
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	return relay.Config{
		MaxFiles:        c.Relay.MaxFiles,
		PollInterval:    c.Relay.PollInterval,
		LongPollTimeout: c.Relay.LongPollTimeout,
		ServiceTimeout:  c.Relay.ServiceTimeout,
		BaseURL:         base,
	}
}
