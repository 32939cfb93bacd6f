// Package config holds all configuration types and loading logic for SpoolMQ.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a SpoolMQ server instance.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Queue   QueueConfig   `yaml:"queue"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Admin   AdminConfig   `yaml:"admin"`
	Runtime RuntimeConfig `yaml:"runtime"`

	// Warnings lists environment overrides that were ignored because they
	// could not be parsed. Filled by Load.
	Warnings []string `yaml:"-"`
}

// ServerConfig holds the listeners for sources and the sink.
type ServerConfig struct {
	Host       string `yaml:"host"`
	SourcePort int    `yaml:"source_port"`
	SinkPort   int    `yaml:"sink_port"`
	// MaxSourceConnections caps concurrent sources. 0 = unlimited.
	MaxSourceConnections int `yaml:"max_source_connections"`
	// ReadTimeoutMs bounds every read on a session. 0 = no timeout.
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
}

// QueueConfig sizes the in-memory queue and its segments.
type QueueConfig struct {
	MaxMemoryBytes int64 `yaml:"max_memory_bytes"`
	// DiskFileSizeDivisor sets the segment size to MaxMemoryBytes / divisor.
	DiskFileSizeDivisor int `yaml:"disk_file_size_divisor"`
	MinRecordsPerFile   int `yaml:"min_records_per_file"`
	MaxMessageBytes     int `yaml:"max_message_bytes"`
}

// MaxSegmentBytes returns the approximate size at which a segment rotates.
func (q QueueConfig) MaxSegmentBytes() int64 {
	return q.MaxMemoryBytes / int64(q.DiskFileSizeDivisor)
}

// FsyncPolicy controls when data is flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways FsyncPolicy = "always" // every record, before the source is acked
	FsyncNever  FsyncPolicy = "never"  // leave flushing to the OS (dev/test only)
)

// StorageConfig controls how messages are persisted on disk.
type StorageConfig struct {
	Directory string      `yaml:"directory"`
	Fsync     FsyncPolicy `yaml:"fsync"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
	// File, when set, sends logs to a rotating file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AdminConfig controls the HTTP admin API (health, stats, metrics).
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// APIKey, when set, is required in the X-Api-Key header.
	APIKey          string  `yaml:"api_key"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	StatsIntervalMs int     `yaml:"stats_interval_ms"`
}

// RuntimeConfig tunes the Go runtime.
type RuntimeConfig struct {
	// AutoMemLimit sets GOMEMLIMIT from the container memory limit.
	AutoMemLimit  bool    `yaml:"auto_memlimit"`
	MemLimitRatio float64 `yaml:"memlimit_ratio"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			SourcePort: 6211,
			SinkPort:   6212,
		},
		Queue: QueueConfig{
			MaxMemoryBytes:      64_000_000,
			DiskFileSizeDivisor: 4,
			MinRecordsPerFile:   100,
			MaxMessageBytes:     16 << 20,
		},
		Storage: StorageConfig{
			Directory: "messageStore",
			Fsync:     FsyncAlways,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Admin: AdminConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            6213,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
			StatsIntervalMs: 1000,
		},
		Runtime: RuntimeConfig{
			AutoMemLimit:  true,
			MemLimitRatio: 0.9,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run SpoolMQ with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	SPOOLMQ_SOURCE_PORT                server.source_port
//	SPOOLMQ_SINK_PORT                  server.sink_port
//	SPOOLMQ_MAX_MEMORY_QUEUE_SIZE      queue.max_memory_bytes
//	SPOOLMQ_DISK_FILE_SIZE_DIVISOR     queue.disk_file_size_divisor
//	SPOOLMQ_MIN_RECORDS_PER_FILE       queue.min_records_per_file
//	SPOOLMQ_DIRECTORY                  storage.directory
//	SPOOLMQ_ADMIN_API_KEY              admin.api_key
//
// An integer override that does not parse keeps the previous value and is
// recorded in Config.Warnings.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	envInt(cfg, "SPOOLMQ_SOURCE_PORT", func(v int64) { cfg.Server.SourcePort = int(v) })
	envInt(cfg, "SPOOLMQ_SINK_PORT", func(v int64) { cfg.Server.SinkPort = int(v) })
	envInt(cfg, "SPOOLMQ_MAX_MEMORY_QUEUE_SIZE", func(v int64) { cfg.Queue.MaxMemoryBytes = v })
	envInt(cfg, "SPOOLMQ_DISK_FILE_SIZE_DIVISOR", func(v int64) { cfg.Queue.DiskFileSizeDivisor = int(v) })
	envInt(cfg, "SPOOLMQ_MIN_RECORDS_PER_FILE", func(v int64) { cfg.Queue.MinRecordsPerFile = int(v) })
	if v := os.Getenv("SPOOLMQ_DIRECTORY"); v != "" {
		cfg.Storage.Directory = v
	}
	if v := os.Getenv("SPOOLMQ_ADMIN_API_KEY"); v != "" {
		cfg.Admin.APIKey = v
	}
}

func envInt(cfg *Config, name string, set func(int64)) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring %s=%q: not an integer", name, v))
		return
	}
	set(n)
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.SourcePort < 0 || c.Server.SourcePort > 65535 {
		return errors.New("server.source_port must be between 0 and 65535")
	}
	if c.Server.SinkPort < 0 || c.Server.SinkPort > 65535 {
		return errors.New("server.sink_port must be between 0 and 65535")
	}
	if c.Server.SourcePort != 0 && c.Server.SourcePort == c.Server.SinkPort {
		return errors.New("server.source_port and server.sink_port must differ")
	}
	if c.Server.MaxSourceConnections < 0 {
		return errors.New("server.max_source_connections must be >= 0")
	}
	if c.Server.ReadTimeoutMs < 0 {
		return errors.New("server.read_timeout_ms must be >= 0")
	}
	if c.Queue.MaxMemoryBytes < 1 {
		return errors.New("queue.max_memory_bytes must be at least 1")
	}
	if c.Queue.DiskFileSizeDivisor < 1 {
		return errors.New("queue.disk_file_size_divisor must be at least 1")
	}
	if c.Queue.MaxSegmentBytes() < 1 {
		return errors.New("queue.max_memory_bytes / queue.disk_file_size_divisor must be at least 1")
	}
	if c.Queue.MinRecordsPerFile < 0 {
		return errors.New("queue.min_records_per_file must be >= 0")
	}
	if c.Queue.MaxMessageBytes < 1 {
		return errors.New("queue.max_message_bytes must be at least 1")
	}
	if c.Storage.Directory == "" {
		return errors.New("storage.directory must not be empty")
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncNever:
		// valid
	default:
		return errors.New(`storage.fsync must be one of "always", "never"`)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.New(`log.format must be one of "json", "text"`)
	}
	if c.Admin.Enabled {
		if c.Admin.Port < 0 || c.Admin.Port > 65535 {
			return errors.New("admin.port must be between 0 and 65535")
		}
		if c.Admin.RateLimitRPS <= 0 || c.Admin.RateLimitBurst < 1 {
			return errors.New("admin.rate_limit_rps and admin.rate_limit_burst must be positive")
		}
		if c.Admin.StatsIntervalMs < 1 {
			return errors.New("admin.stats_interval_ms must be at least 1")
		}
	}
	if c.Runtime.MemLimitRatio <= 0 || c.Runtime.MemLimitRatio > 1 {
		return errors.New("runtime.memlimit_ratio must be in (0, 1]")
	}
	return nil
}
