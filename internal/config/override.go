package config

import (
	"strings"
	"time"
)

// Override holds values read from the config file and environment. A nil
// field leaves the default in place.
type Override struct {
	Server struct {
		Port    *int    `mapstructure:"port"`
		BaseURL *string `mapstructure:"base_url"`
	} `mapstructure:"server"`

	Log struct {
		Level  *string `mapstructure:"level"`
		Format *string `mapstructure:"format"`
		Output *string `mapstructure:"output"`
	} `mapstructure:"log"`

	Storage struct {
		DBPath      *string `mapstructure:"db_path"`
		LogBackend  *string `mapstructure:"log_backend"`
		BlobBackend *string `mapstructure:"blob_backend"`
		Redis       struct {
			Addr     *string        `mapstructure:"addr"`
			Password *string        `mapstructure:"password"`
			DB       *int           `mapstructure:"db"`
			TTL      *time.Duration `mapstructure:"ttl"`
		} `mapstructure:"redis"`
		Minio struct {
			Endpoint  *string `mapstructure:"endpoint"`
			AccessKey *string `mapstructure:"access_key"`
			SecretKey *string `mapstructure:"secret_key"`
			UseSSL    *bool   `mapstructure:"use_ssl"`
			Bucket    *string `mapstructure:"bucket"`
			Region    *string `mapstructure:"region"`
		} `mapstructure:"minio"`
	} `mapstructure:"storage"`

	Relay struct {
		MaxFiles        *int           `mapstructure:"max_files"`
		PollInterval    *time.Duration `mapstructure:"poll_interval"`
		LongPollTimeout *time.Duration `mapstructure:"long_poll_timeout"`
		ServiceTimeout  *time.Duration `mapstructure:"service_timeout"`
	} `mapstructure:"relay"`

	Supervisor struct {
		MaxWorkers       *int           `mapstructure:"max_workers"`
		HandshakeTimeout *time.Duration `mapstructure:"handshake_timeout"`
		KillGrace        *time.Duration `mapstructure:"kill_grace"`
		ScratchRoot      *string        `mapstructure:"scratch_root"`
		LogFile          *string        `mapstructure:"log_file"`
		Command          []string       `mapstructure:"command"`
	} `mapstructure:"supervisor"`

	Worker struct {
		Interpreter []string `mapstructure:"interpreter"`
		// Merged key by key; a negative value removes the limit.
		ResourceLimits map[string]int64 `mapstructure:"resource_limits"`
		BeatInterval   *time.Duration   `mapstructure:"beat_interval"`
		FirstBeat      *time.Duration   `mapstructure:"first_beat"`
		MaxTimeout     *time.Duration   `mapstructure:"max_timeout"`
		PoolSize       *int             `mapstructure:"pool_size"`
		QueueSize      *int             `mapstructure:"queue_size"`
	} `mapstructure:"worker"`
}

// envKeys are the keys that can be set from CELLSRV_* variables.
var envKeys = []string{
	"server.port", "server.base_url",
	"log.level", "log.format", "log.output",
	"storage.db_path", "storage.log_backend", "storage.blob_backend",
	"storage.redis.addr", "storage.redis.password", "storage.redis.db", "storage.redis.ttl",
	"storage.minio.endpoint", "storage.minio.access_key", "storage.minio.secret_key",
	"storage.minio.use_ssl", "storage.minio.bucket", "storage.minio.region",
	"relay.max_files", "relay.poll_interval", "relay.long_poll_timeout", "relay.service_timeout",
	"supervisor.max_workers", "supervisor.handshake_timeout", "supervisor.kill_grace",
	"supervisor.scratch_root", "supervisor.log_file",
	"worker.beat_interval", "worker.first_beat", "worker.max_timeout",
	"worker.pool_size", "worker.queue_size",
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setSlice(dst *[]string, src []string) {
	if len(src) > 0 {
		*dst = append([]string(nil), src...)
	}
}

// Merge applies o over base field by field. Resource limits are merged per
// limit kind.
func Merge(base Config, o Override) Config {
	c := base

	set(&c.Server.Port, o.Server.Port)
	set(&c.Server.BaseURL, o.Server.BaseURL)

	set(&c.Log.Level, o.Log.Level)
	set(&c.Log.Format, o.Log.Format)
	set(&c.Log.Output, o.Log.Output)

	set(&c.Storage.DBPath, o.Storage.DBPath)
	set(&c.Storage.LogBackend, o.Storage.LogBackend)
	set(&c.Storage.BlobBackend, o.Storage.BlobBackend)
	set(&c.Storage.Redis.Addr, o.Storage.Redis.Addr)
	set(&c.Storage.Redis.Password, o.Storage.Redis.Password)
	set(&c.Storage.Redis.DB, o.Storage.Redis.DB)
	set(&c.Storage.Redis.TTL, o.Storage.Redis.TTL)
	set(&c.Storage.Minio.Endpoint, o.Storage.Minio.Endpoint)
	set(&c.Storage.Minio.AccessKey, o.Storage.Minio.AccessKey)
	set(&c.Storage.Minio.SecretKey, o.Storage.Minio.SecretKey)
	set(&c.Storage.Minio.UseSSL, o.Storage.Minio.UseSSL)
	set(&c.Storage.Minio.Bucket, o.Storage.Minio.Bucket)
	set(&c.Storage.Minio.Region, o.Storage.Minio.Region)

	set(&c.Relay.MaxFiles, o.Relay.MaxFiles)
	set(&c.Relay.PollInterval, o.Relay.PollInterval)
	set(&c.Relay.LongPollTimeout, o.Relay.LongPollTimeout)
	set(&c.Relay.ServiceTimeout, o.Relay.ServiceTimeout)

	set(&c.Supervisor.MaxWorkers, o.Supervisor.MaxWorkers)
	set(&c.Supervisor.HandshakeTimeout, o.Supervisor.HandshakeTimeout)
	set(&c.Supervisor.KillGrace, o.Supervisor.KillGrace)
	set(&c.Supervisor.ScratchRoot, o.Supervisor.ScratchRoot)
	set(&c.Supervisor.LogFile, o.Supervisor.LogFile)
	setSlice(&c.Supervisor.Command, o.Supervisor.Command)

	setSlice(&c.Worker.Interpreter, o.Worker.Interpreter)
	c.Worker.ResourceLimits = mergeLimits(base.Worker.ResourceLimits, o.Worker.ResourceLimits)
	set(&c.Worker.BeatInterval, o.Worker.BeatInterval)
	set(&c.Worker.FirstBeat, o.Worker.FirstBeat)
	set(&c.Worker.MaxTimeout, o.Worker.MaxTimeout)
	set(&c.Worker.PoolSize, o.Worker.PoolSize)
	set(&c.Worker.QueueSize, o.Worker.QueueSize)

	return c
}

// mergeLimits returns a new table; base is not modified. Names are
// normalized so "rlimit_cpu" from a config file replaces "RLIMIT_CPU".
func mergeLimits(base map[string]uint64, over map[string]int64) map[string]uint64 {
	out := make(map[string]uint64, len(base)+len(over))
	for k, v := range base {
		out[limitName(k)] = v
	}
	for k, v := range over {
		if v < 0 {
			delete(out, limitName(k))
			continue
		}
		out[limitName(k)] = uint64(v)
	}
	return out
}

func limitName(k string) string {
	n := strings.ToUpper(strings.TrimSpace(k))
	if !strings.HasPrefix(n, "RLIMIT_") {
		n = "RLIMIT_" + n
	}
	return n
}
