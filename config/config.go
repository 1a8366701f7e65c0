// Package config loads taskkit server configuration from TOML or YAML,
// applies defaults and environment overrides.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/logging"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Server transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Event bus backends.
const (
	EventsNone   = "none"
	EventsMemory = "memory"
	EventsNATS   = "nats"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	Search    SearchConfig    `toml:"search" yaml:"search"`
	Events    EventsConfig    `toml:"events" yaml:"events"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Shutdown  ShutdownConfig  `toml:"shutdown" yaml:"shutdown"`

	// PolicyFile is a policy.toml path. Relative paths are resolved
	// against the config file's directory.
	PolicyFile string `toml:"policy_file" yaml:"policy_file"`
}

// ServerConfig selects how clients reach the tools.
type ServerConfig struct {
	Name      string `toml:"name" yaml:"name"`
	Transport string `toml:"transport" yaml:"transport"`
	// Listen is the HTTP address when Transport is "http".
	Listen         string   `toml:"listen" yaml:"listen"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
}

// StoreConfig selects the task store.
type StoreConfig struct {
	Driver      string `toml:"driver" yaml:"driver"`
	Path        string `toml:"path" yaml:"path"`
	DSN         string `toml:"dsn" yaml:"dsn"`
	BusyRetries int    `toml:"busy_retries" yaml:"busy_retries"`
}

// SearchConfig enables the full-text index.
type SearchConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// IndexPath is the on-disk index; empty keeps it in memory.
	IndexPath string `toml:"index_path" yaml:"index_path"`
}

// EventsConfig selects where task change events are published.
type EventsConfig struct {
	Backend       string `toml:"backend" yaml:"backend"`
	NATSURL       string `toml:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix"`
	// Stream, when set, captures events in a JetStream stream.
	Stream string `toml:"stream" yaml:"stream"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// TelemetryConfig configures tracing and the audit log.
type TelemetryConfig struct {
	Endpoint  string `toml:"endpoint" yaml:"endpoint"`
	Protocol  string `toml:"protocol" yaml:"protocol"`
	Insecure  bool   `toml:"insecure" yaml:"insecure"`
	Debug     bool   `toml:"debug" yaml:"debug"`
	AuditFile string `toml:"audit_file" yaml:"audit_file"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:      "taskkit",
			Transport: TransportStdio,
			Listen:    "127.0.0.1:8080",
		},
		Store: StoreConfig{
			Driver:      DriverSQLite,
			Path:        "/data/tasks.db",
			BusyRetries: 5,
		},
		Events: EventsConfig{
			Backend:       EventsNone,
			NATSURL:       "nats://127.0.0.1:4222",
			SubjectPrefix: "tasks",
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{Protocol: "grpc"},
		Shutdown:  ShutdownConfig{Timeout: 30 * time.Second},
	}
}

// Load reads the file at path over the defaults, then applies environment
// overrides and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config", errors.WithMetadata("path", path))
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
		if cfg.PolicyFile != "" && !filepath.IsAbs(cfg.PolicyFile) {
			cfg.PolicyFile = filepath.Join(filepath.Dir(path), cfg.PolicyFile)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return errors.InvalidInput(fmt.Sprintf("parse %s: %v", path, err), errors.WithCause(err))
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return errors.InvalidInput(fmt.Sprintf("unknown config key %q in %s", undecoded[0].String(), path))
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return errors.InvalidInput(fmt.Sprintf("parse %s: %v", path, err), errors.WithCause(err))
		}
	default:
		return errors.InvalidInput(fmt.Sprintf("unsupported config format %q (want .toml, .yaml or .yml)", filepath.Ext(path)))
	}
	return nil
}

// ApplyEnv overrides settings from the environment. getenv is os.Getenv
// outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := getenv("TASKKIT_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := getenv("TASKKIT_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	invalid := func(field, format string, a ...interface{}) error {
		return errors.InvalidInput(fmt.Sprintf(format, a...), errors.WithMetadata("field", field))
	}

	switch c.Server.Transport {
	case TransportStdio:
	case TransportHTTP:
		if c.Server.Listen == "" {
			return invalid("server.listen", "server.listen is required for the http transport")
		}
	default:
		return invalid("server.transport", "unknown server.transport %q", c.Server.Transport)
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return invalid("store.path", "store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return invalid("store.dsn", "store.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return invalid("store.driver", "unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.BusyRetries < 0 {
		return invalid("store.busy_retries", "store.busy_retries must not be negative")
	}

	switch c.Events.Backend {
	case EventsNone, EventsMemory:
	case EventsNATS:
		if c.Events.NATSURL == "" {
			return invalid("events.nats_url", "events.nats_url is required for the nats backend")
		}
	default:
		return invalid("events.backend", "unknown events.backend %q", c.Events.Backend)
	}
	if c.Events.Backend != EventsNone && c.Events.SubjectPrefix == "" {
		return invalid("events.subject_prefix", "events.subject_prefix is required when events are enabled")
	}

	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		return invalid("logging.level", "unknown logging.level %q", c.Logging.Level)
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return invalid("telemetry.protocol", "unknown telemetry.protocol %q", c.Telemetry.Protocol)
	}

	if c.Shutdown.Timeout <= 0 {
		return invalid("shutdown.timeout", "shutdown.timeout must be positive")
	}
	return nil
}
