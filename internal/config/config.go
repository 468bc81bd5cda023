// Package config loads modeldeck configuration from YAML or JSON5 files.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Storage drivers for saved experiments.
const (
	StorageBackend  = "backend"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config is the main configuration structure for modeldeck.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Backend       BackendConfig       `yaml:"backend"`
	Stream        StreamConfig        `yaml:"stream"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	// Listen is the console HTTP address, e.g. ":8080".
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins restricts the watch WebSocket. Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// StartLimit throttles experiment starts per client and model.
	StartLimit StartLimitConfig `yaml:"start_limit"`
}

type StartLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// BackendConfig points at the model-serving backend.
type BackendConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
}

// StreamConfig tunes completion WebSocket connections.
type StreamConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteWait        time.Duration `yaml:"write_wait"`
	// PongWait enables keepalive pings when non-zero.
	PongWait  time.Duration `yaml:"pong_wait"`
	ReadLimit int64         `yaml:"read_limit"`
}

// StorageConfig selects where saved experiments live.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures OTLP trace export. Tracing is off when Endpoint is empty.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, merges, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = "http://localhost:8000"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 10 * time.Second
	}
	if cfg.Backend.RetryAttempts == 0 {
		cfg.Backend.RetryAttempts = 3
	}
	if cfg.Stream.HandshakeTimeout == 0 {
		cfg.Stream.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Stream.WriteWait == 0 {
		cfg.Stream.WriteWait = 10 * time.Second
	}
	if cfg.Stream.ReadLimit == 0 {
		cfg.Stream.ReadLimit = 1 << 20
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageBackend
	}
	if cfg.Storage.Driver == StorageSQLite && cfg.Storage.Path == "" {
		cfg.Storage.Path = "modeldeck.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "modeldeck"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	var issues []string

	if strings.TrimSpace(c.Server.Listen) == "" {
		issues = append(issues, "server.listen is required")
	}
	if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		issues = append(issues, fmt.Sprintf("backend.url must be an http(s) URL, got %q", c.Backend.URL))
	}
	if c.Backend.Timeout < 0 {
		issues = append(issues, "backend.timeout must be >= 0")
	}
	if c.Backend.RetryAttempts < 0 {
		issues = append(issues, "backend.retry_attempts must be >= 0")
	}
	if c.Server.StartLimit.RequestsPerSecond < 0 || c.Server.StartLimit.Burst < 0 {
		issues = append(issues, "server.start_limit values must be >= 0")
	}
	if c.Stream.ReadLimit < 0 {
		issues = append(issues, "stream.read_limit must be >= 0")
	}
	if c.Stream.PongWait < 0 {
		issues = append(issues, "stream.pong_wait must be >= 0")
	}

	switch c.Storage.Driver {
	case StorageBackend, StorageMemory:
	case StorageSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			issues = append(issues, "storage.path is required for sqlite")
		}
	case StoragePostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			issues = append(issues, "storage.dsn is required for postgres")
		}
	default:
		issues = append(issues, fmt.Sprintf("storage.driver must be one of backend, sqlite, postgres, memory, got %q", c.Storage.Driver))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is invalid", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q is invalid", c.Logging.Format))
	}

	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
	}
	return nil
}
