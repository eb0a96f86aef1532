// Package config handles loading, validating, and writing the chainaudit
// configuration from ~/.chainaudit/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Storage driver and database path
//   - Append retry budget for the audit service
//   - Log level (hot-reloadable)
//   - Metrics endpoint toggle
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ctrlai/chainaudit/internal/audit"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// FileName is the config file name inside the config directory.
const FileName = "config.yaml"

// Config is the top-level chainaudit configuration.
// Loaded from config.yaml, with defaults for fields that are not set.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Audit   AuditConfig   `yaml:"audit"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects the audit store.
//
// Driver "sqlite" (default) persists to Path. Driver "memory" keeps
// everything in process and loses it on exit; useful for demos and tests.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// AuditConfig tunes the audit service.
type AuditConfig struct {
	MaxAppendRetries int `yaml:"maxAppendRetries"`
}

// LogConfig holds the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig controls the Prometheus endpoint served at /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultDir returns ~/.chainaudit, or .chainaudit when the home directory
// cannot be determined.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainaudit"
	}
	return filepath.Join(home, ".chainaudit")
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Parent directories are created as needed.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# chainaudit configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#
# storage:
#   driver: sqlite (durable, default) or memory (lost on exit)
#   path: SQLite database file; ~ expands to the home directory
#
# audit:
#   maxAppendRetries: Re-reads of the chain head when another writer appended first (>= 1)
#
# log:
#   level: debug, info, warn or error (reloaded without restart)
#
# metrics:
#   enabled: Serve Prometheus metrics at /metrics

`
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// ParseLevel maps the configured level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "~/.chainaudit/audit.db",
		},
		Audit: AuditConfig{
			MaxAppendRetries: audit.DefaultMaxAppendRetries,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Storage.Driver {
	case DriverSQLite:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or memory)", cfg.Storage.Driver)
	}

	// The service reads 0 as "use the default", so 0 is not a way to
	// turn retries off.
	if cfg.Audit.MaxAppendRetries < 1 {
		return fmt.Errorf("audit.maxAppendRetries must be at least 1")
	}

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
