// Package config loads bridge settings from defaults, an optional TOML or
// YAML file and the environment, in that order. Command-line flags are
// applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/mcp-bridge/pkg/eventstore"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/observability"
)

// Config is the complete bridge configuration.
type Config struct {
	Server     ServerConfig     `toml:"server" yaml:"server"`
	Session    SessionConfig    `toml:"session" yaml:"session"`
	EventStore EventStoreConfig `toml:"event_store" yaml:"event_store"`
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics" yaml:"metrics"`
	Tracing    TracingConfig    `toml:"tracing" yaml:"tracing"`
}

// ServerConfig covers the HTTP endpoint.
type ServerConfig struct {
	Addr            string   `toml:"addr" yaml:"addr"`
	Endpoint        string   `toml:"endpoint" yaml:"endpoint"`
	SessionHeader   string   `toml:"session_header" yaml:"session_header"`
	AllowedOrigins  []string `toml:"allowed_origins" yaml:"allowed_origins"`
	KeepAlive       Duration `toml:"keep_alive" yaml:"keep_alive"`
	Retry           Duration `toml:"retry" yaml:"retry"`
	MaxBodyBytes    int64    `toml:"max_body_bytes" yaml:"max_body_bytes"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	Name            string   `toml:"name" yaml:"name"`
	Instructions    string   `toml:"instructions" yaml:"instructions"`
}

// SessionConfig covers session lifetime.
type SessionConfig struct {
	// IdleTimeout evicts sessions without traffic. Zero disables eviction.
	IdleTimeout     Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval   Duration `toml:"sweep_interval" yaml:"sweep_interval"`
	RequestTimeout  Duration `toml:"request_timeout" yaml:"request_timeout"`
	RetainEvents    bool     `toml:"retain_events" yaml:"retain_events"`
	ReplayBatchSize int      `toml:"replay_batch_size" yaml:"replay_batch_size"`
}

// EventStoreConfig selects and configures the event buffer.
type EventStoreConfig struct {
	Driver eventstore.Driver `toml:"driver" yaml:"driver"`
	Redis  RedisConfig       `toml:"redis" yaml:"redis"`
	SQLite SQLiteConfig      `toml:"sqlite" yaml:"sqlite"`
}

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addr         string   `toml:"addr" yaml:"addr"`
	Username     string   `toml:"username" yaml:"username"`
	Password     string   `toml:"password" yaml:"password"`
	DB           int      `toml:"db" yaml:"db"`
	KeyPrefix    string   `toml:"key_prefix" yaml:"key_prefix"`
	TTL          Duration `toml:"ttl" yaml:"ttl"`
	QueryTimeout Duration `toml:"query_timeout" yaml:"query_timeout"`
}

// SQLiteConfig configures the sqlite driver.
type SQLiteConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string         `toml:"level" yaml:"level"`
	Format logging.Format `toml:"format" yaml:"format"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Addr      string `toml:"addr" yaml:"addr"`
	Path      string `toml:"path" yaml:"path"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool                       `toml:"enabled" yaml:"enabled"`
	Exporter    observability.ExporterType `toml:"exporter" yaml:"exporter"`
	Endpoint    string                     `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool                       `toml:"insecure" yaml:"insecure"`
	SampleRate  float64                    `toml:"sample_rate" yaml:"sample_rate"`
	Environment string                     `toml:"environment" yaml:"environment"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":3000",
			Endpoint:        "/mcp",
			SessionHeader:   "Mcp-Session-Id",
			AllowedOrigins:  []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"},
			KeepAlive:       Duration(15 * time.Second),
			Retry:           Duration(3 * time.Second),
			MaxBodyBytes:    4 << 20,
			ShutdownTimeout: Duration(10 * time.Second),
			Name:            "mcp-bridge",
		},
		Session: SessionConfig{
			ReplayBatchSize: 256,
		},
		EventStore: EventStoreConfig{
			Driver: eventstore.DriverMemory,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				KeyPrefix:    "mcp-bridge",
				QueryTimeout: Duration(5 * time.Second),
			},
			SQLite: SQLiteConfig{Path: "mcp-bridge-events.db"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
		Tracing: TracingConfig{
			Exporter:   observability.ExporterTypeNoop,
			SampleRate: 1,
		},
	}
}

// Load builds a configuration from the defaults, the file at path (skipped
// when path is empty) and the process environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the settings in a .toml, .yaml or .yml file. Keys the
// file does not mention keep their current value; unknown keys are errors.
func (c *Config) LoadFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
		return nil
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("load config %s: unsupported format %q", path, filepath.Ext(path))
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.Endpoint, "/") {
		add("server.endpoint must start with /, got %q", c.Server.Endpoint)
	}
	if c.Server.SessionHeader == "" {
		add("server.session_header is required")
	}
	if c.Server.KeepAlive <= 0 {
		add("server.keep_alive must be positive")
	}
	if c.Server.Retry < 0 {
		add("server.retry must not be negative")
	}
	if c.Server.MaxBodyBytes <= 0 {
		add("server.max_body_bytes must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}

	if c.Session.IdleTimeout < 0 {
		add("session.idle_timeout must not be negative")
	}
	if c.Session.SweepInterval < 0 {
		add("session.sweep_interval must not be negative")
	}
	if c.Session.RequestTimeout < 0 {
		add("session.request_timeout must not be negative")
	}
	if c.Session.ReplayBatchSize < 0 {
		add("session.replay_batch_size must not be negative")
	}

	switch c.EventStore.Driver {
	case eventstore.DriverMemory:
	case eventstore.DriverRedis:
		if c.EventStore.Redis.Addr == "" {
			add("event_store.redis.addr is required for the redis driver")
		}
		// Sessions without idle eviction can outlive any TTL.
		switch ttl, idle := c.EventStore.Redis.TTL, c.Session.IdleTimeout; {
		case ttl > 0 && idle == 0:
			add("event_store.redis.ttl (%s) requires session.idle_timeout", ttl)
		case ttl > 0 && ttl < idle:
			add("event_store.redis.ttl (%s) must not be shorter than session.idle_timeout (%s)", ttl, idle)
		}
	case eventstore.DriverSQLite:
		if c.EventStore.SQLite.Path == "" {
			add("event_store.sqlite.path is required for the sqlite driver")
		}
	default:
		add("event_store.driver %q is not one of memory, redis, sqlite", c.EventStore.Driver)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		add("logging.format %q is not one of console, json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case observability.ExporterTypeOTLPGRPC, observability.ExporterTypeOTLPHTTP, observability.ExporterTypeNoop:
		default:
			add("tracing.exporter %q is not one of otlp-grpc, otlp-http, noop", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			add("tracing.sample_rate must be within [0, 1]")
		}
	}

	return errors.Join(errs...)
}
