// Package config is the server's operator configuration, loaded from a
// TOML file the way Katzenpost's server/config package does: unmarshal
// into a plain struct, then FixupAndValidate fills in defaults and
// rejects inconsistent values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultHost              = "0.0.0.0"
	defaultPort              = 8765
	defaultMaxConnections    = 1000
	defaultConnectionTimeout = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultBufferSize        = 8192
	defaultWorkerThreads     = 0 // 0 means GOMAXPROCS
	defaultRateLimitPerMin   = 60
	defaultLogFormat         = "text"
	defaultDBPath            = "mesh.db"
	defaultMetricsAddr       = ":9090"
	defaultKeyPath           = "server_key.pem"
	defaultShutdownDrain     = 10 * time.Second
)

// Config is the top-level server configuration, read from a single
// TOML document (spec.md §6.2).
type Config struct {
	Host              string        `toml:"host"`
	Port              int           `toml:"port"`
	MaxConnections    int           `toml:"max_connections"`
	ConnectionTimeout time.Duration `toml:"connection_timeout"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	BufferSize        int           `toml:"buffer_size"`
	WorkerThreads     int           `toml:"worker_threads"`
	RateLimitPerMin   int           `toml:"rate_limit_per_minute"`

	LogFormat   string `toml:"log_format"` // "text" or "json"
	DBPath      string `toml:"db_path"`
	MetricsAddr string `toml:"metrics_addr"`
	KeyPath     string `toml:"server_key_path"`

	ShutdownDrain time.Duration `toml:"shutdown_drain"`
}

// FixupAndValidate applies defaults to zero-valued fields and rejects
// an inconsistent configuration. Most callers should use LoadFile
// instead of calling this directly.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = defaultConnectionTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = defaultRateLimitPerMin
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = defaultMetricsAddr
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = defaultKeyPath
	}
	if cfg.ShutdownDrain <= 0 {
		cfg.ShutdownDrain = defaultShutdownDrain
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: log_format %q is invalid, want \"text\" or \"json\"", cfg.LogFormat)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("config: port %d is out of range", cfg.Port)
	}
	if cfg.WorkerThreads < 0 {
		return errors.New("config: worker_threads must not be negative")
	}

	// Reader-idle (2x heartbeat interval, spec.md §9) must exceed the
	// writer-idle probe interval or the idle monitor can never
	// distinguish "about to probe" from "already dead."
	readerIdle := 2 * cfg.HeartbeatInterval
	if readerIdle <= cfg.HeartbeatInterval {
		return errors.New("config: reader idle window must exceed heartbeat_interval")
	}

	return nil
}

// Load parses and validates b as a TOML config document.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the config file at path. If
// path does not exist, it returns a Config built entirely from
// defaults rather than an error, so the server can run unconfigured.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Load(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Load(b)
}
