package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/cellsrv/internal/logger"
	"github.com/michaelbrown/cellsrv/internal/sandbox"
)

type ServerConfig struct {
	Port    int    `mapstructure:"port" yaml:"port"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
}

type StorageConfig struct {
	DBPath      string      `mapstructure:"db_path" yaml:"db_path"`
	LogBackend  string      `mapstructure:"log_backend" yaml:"log_backend"`   // sqlite, memory, redis
	BlobBackend string      `mapstructure:"blob_backend" yaml:"blob_backend"` // sqlite, memory, minio
	Redis       RedisConfig `mapstructure:"redis" yaml:"redis"`
	Minio       MinioConfig `mapstructure:"minio" yaml:"minio"`
}

type RelayConfig struct {
	MaxFiles        int           `mapstructure:"max_files" yaml:"max_files"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	LongPollTimeout time.Duration `mapstructure:"long_poll_timeout" yaml:"long_poll_timeout"`
	ServiceTimeout  time.Duration `mapstructure:"service_timeout" yaml:"service_timeout"`
}

type SupervisorConfig struct {
	MaxWorkers       int           `mapstructure:"max_workers" yaml:"max_workers"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	KillGrace        time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
	ScratchRoot      string        `mapstructure:"scratch_root" yaml:"scratch_root"`
	LogFile          string        `mapstructure:"log_file" yaml:"log_file"`
	Command          []string      `mapstructure:"command" yaml:"command"` // empty: this executable's worker command
}

type WorkerConfig struct {
	Interpreter    []string          `mapstructure:"interpreter" yaml:"interpreter"`
	ResourceLimits map[string]uint64 `mapstructure:"resource_limits" yaml:"resource_limits"`
	BeatInterval   time.Duration     `mapstructure:"beat_interval" yaml:"beat_interval"`
	FirstBeat      time.Duration     `mapstructure:"first_beat" yaml:"first_beat"`
	MaxTimeout     time.Duration     `mapstructure:"max_timeout" yaml:"max_timeout"`
	PoolSize       int               `mapstructure:"pool_size" yaml:"pool_size"`
	QueueSize      int               `mapstructure:"queue_size" yaml:"queue_size"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Log        logger.Config    `mapstructure:"log" yaml:"log"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Relay      RelayConfig      `mapstructure:"relay" yaml:"relay"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Worker     WorkerConfig     `mapstructure:"worker" yaml:"worker"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Log:    logger.Config{Level: "info", Format: "console", Output: "stdout"},
		Storage: StorageConfig{
			DBPath:      filepath.Join(os.Getenv("HOME"), ".cellsrv", "cellsrv.db"),
			LogBackend:  "sqlite",
			BlobBackend: "sqlite",
			Redis:       RedisConfig{TTL: 24 * time.Hour},
			Minio:       MinioConfig{Bucket: "cellsrv-files"},
		},
		Relay: RelayConfig{
			MaxFiles:        10,
			PollInterval:    100 * time.Millisecond,
			LongPollTimeout: 2 * time.Second,
			ServiceTimeout:  30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			MaxWorkers:       10,
			HandshakeTimeout: 10 * time.Second,
			KillGrace:        5 * time.Second,
			LogFile:          "cellsrv-worker.log",
		},
		Worker: WorkerConfig{
			Interpreter: []string{"python3", "-u", "-c"},
			ResourceLimits: map[string]uint64{
				string(sandbox.CPUSeconds):   30,
				string(sandbox.AddressSpace): 512 << 20,
			},
			BeatInterval: 500 * time.Millisecond,
			FirstBeat:    time.Second,
			MaxTimeout:   60 * time.Second,
			PoolSize:     2,
			QueueSize:    64,
		},
	}
}

// Load reads the config file and environment and merges them over Default.
// With an empty path, cellsrv.yaml is looked up in . and $HOME/.cellsrv, and
// a missing file means defaults. Environment variables use the CELLSRV_
// prefix, e.g. CELLSRV_RELAY_MAX_FILES.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cellsrv")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cellsrv")
	}

	v.SetEnvPrefix("CELLSRV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var o Override
	if err := v.Unmarshal(&o); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := Merge(Default(), o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would only fail later at runtime.
func (c *Config) Validate() error {
	if _, err := sandbox.ParseLimits(c.Worker.ResourceLimits); err != nil {
		return fmt.Errorf("worker.resource_limits: %w", err)
	}
	if len(c.Worker.Interpreter) == 0 {
		return fmt.Errorf("worker.interpreter must not be empty")
	}
	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker.pool_size must be positive")
	}
	if c.Supervisor.MaxWorkers > 0 && c.Worker.PoolSize > c.Supervisor.MaxWorkers {
		return fmt.Errorf("worker.pool_size %d exceeds supervisor.max_workers %d", c.Worker.PoolSize, c.Supervisor.MaxWorkers)
	}
	switch c.Storage.LogBackend {
	case "sqlite", "memory", "redis":
	default:
		return fmt.Errorf("unknown storage.log_backend %q", c.Storage.LogBackend)
	}
	switch c.Storage.BlobBackend {
	case "sqlite", "memory", "minio":
	default:
		return fmt.Errorf("unknown storage.blob_backend %q", c.Storage.BlobBackend)
	}
	return nil
}
