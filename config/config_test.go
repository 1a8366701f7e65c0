package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/taskkit/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{"DB_PATH", "TASKKIT_STORE_DRIVER", "TASKKIT_STORE_DSN", "LOG_LEVEL", "NATS_URL", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Transport != TransportStdio {
		t.Errorf("transport = %s", cfg.Server.Transport)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.Path != "/data/tasks.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Shutdown.Timeout != 30*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Shutdown.Timeout)
	}
}

func TestLoad_TOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "taskkit.toml", `
policy_file = "policy.toml"

[server]
transport = "http"
listen = ":9090"
allowed_origins = ["https://ops.example.com"]

[store]
driver = "postgres"
dsn = "postgres://localhost/tasks"

[search]
enabled = true

[events]
backend = "nats"
subject_prefix = "work"
stream = "TASKS"

[telemetry]
endpoint = "localhost:4318"
protocol = "http"
audit_file = "/var/log/taskkit/audit.jsonl"

[shutdown]
timeout = "5s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Transport != TransportHTTP || cfg.Server.Listen != ":9090" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Store.DSN != "postgres://localhost/tasks" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if !cfg.Search.Enabled || cfg.Search.IndexPath != "" {
		t.Errorf("search = %+v", cfg.Search)
	}
	if cfg.Events.Backend != EventsNATS || cfg.Events.SubjectPrefix != "work" || cfg.Events.Stream != "TASKS" {
		t.Errorf("events = %+v", cfg.Events)
	}
	if cfg.Telemetry.AuditFile != "/var/log/taskkit/audit.jsonl" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Shutdown.Timeout != 5*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Shutdown.Timeout)
	}
	if cfg.PolicyFile != filepath.Join(filepath.Dir(path), "policy.toml") {
		t.Errorf("policy file should resolve next to the config, got %s", cfg.PolicyFile)
	}
	// Untouched sections keep their defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("logging level = %s", cfg.Logging.Level)
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "taskkit.yaml", `
store:
  driver: memory
logging:
  level: debug
shutdown:
  timeout: 2s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != DriverMemory || cfg.Logging.Level != "debug" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Shutdown.Timeout != 2*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Shutdown.Timeout)
	}
}

func TestLoad_UnknownKeys(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "c.toml", "[store]\ndriverr = \"sqlite\"\n"},
		{"yaml", "c.yaml", "store:\n  driverr: sqlite\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			if !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeFile(t, "taskkit.json", "{}"))
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DB_PATH":                     "/tmp/x.db",
		"TASKKIT_STORE_DRIVER":        "postgres",
		"TASKKIT_STORE_DSN":           "postgres://db/tasks",
		"LOG_LEVEL":                   "WARNING",
		"NATS_URL":                    "nats://bus:4222",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4317",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Store.Path != "/tmp/x.db" || cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://db/tasks" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Logging.Level != "WARNING" || cfg.Events.NATSURL != "nats://bus:4222" || cfg.Telemetry.Endpoint != "collector:4317" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("WARNING should be a valid level: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown transport", func(c *Config) { c.Server.Transport = "grpc" }, "server.transport"},
		{"http without listen", func(c *Config) { c.Server.Transport = TransportHTTP; c.Server.Listen = "" }, "server.listen"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = " " }, "store.path"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.dsn"},
		{"negative retries", func(c *Config) { c.Store.BusyRetries = -1 }, "store.busy_retries"},
		{"unknown backend", func(c *Config) { c.Events.Backend = "kafka" }, "events.backend"},
		{"empty prefix", func(c *Config) { c.Events.Backend = EventsMemory; c.Events.SubjectPrefix = "" }, "events.subject_prefix"},
		{"unknown level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"unknown protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, "telemetry.protocol"},
		{"zero timeout", func(c *Config) { c.Shutdown.Timeout = 0 }, "shutdown.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			te := errors.AsTaskError(err)
			if te == nil {
				t.Fatalf("expected structured error, got %v", err)
			}
			if te.Code() != errors.ErrCodeInvalidInput || te.Metadata()["field"] != tt.field {
				t.Errorf("unexpected error %v (field %s)", err, te.Metadata()["field"])
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
