// ABOUTME: Configuration loading and parsing for mcplink-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mcplink-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Sessions SessionsConfig `yaml:"sessions"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the gRPC health server
	WSPath   string `yaml:"ws_path"`
}

// DatabaseConfig holds the session ledger location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig holds liveness and per-session timing
type SessionsConfig struct {
	StaleAfter    time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	WriteTimeout  time.Duration `yaml:"-"`
	LatencyAlpha  float64       `yaml:"latency_alpha"`

	// Raw string values for YAML unmarshaling
	StaleAfterRaw    string `yaml:"stale_after"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	WriteTimeoutRaw  string `yaml:"write_timeout"`
}

// DispatchConfig bounds handler execution
type DispatchConfig struct {
	BatchConcurrency int           `yaml:"batch_concurrency"`
	HandlerTimeout   time.Duration `yaml:"-"`

	HandlerTimeoutRaw string `yaml:"handler_timeout"`
}

// DedupeConfig controls replayed request id suppression
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-"`
	MaxSize int           `yaml:"max_size"`

	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds OTLP export configuration
type MetricsConfig struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Insecure     bool          `yaml:"insecure"`
	Interval     time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
}

// Defaults for fields left empty in the file.
const (
	DefaultHTTPAddr         = "0.0.0.0:8080"
	DefaultWSPath           = "/ws"
	DefaultStaleAfter       = 45 * time.Second
	DefaultSweepInterval    = 15 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultLatencyAlpha     = 0.1
	DefaultBatchConcurrency = 8
	DefaultHandlerTimeout   = 30 * time.Second
	DefaultDedupeTTL        = 5 * time.Minute
	DefaultDedupeMaxSize    = 100_000
	DefaultMetricsInterval  = 30 * time.Second
)

// DefaultPath returns the config file location: $MCPLINK_CONFIG if set,
// otherwise gateway.yaml under the XDG config directory.
func DefaultPath() string {
	return xdgPath("MCPLINK_CONFIG", "gateway.yaml")
}

func xdgPath(envVar, file string) string {
	if p := os.Getenv(envVar); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return file
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "mcplink", file)
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config content, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no
// session ledger.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Sessions.StaleAfter == 0 {
		c.Sessions.StaleAfter = DefaultStaleAfter
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Sessions.WriteTimeout == 0 {
		c.Sessions.WriteTimeout = DefaultWriteTimeout
	}
	if c.Sessions.LatencyAlpha == 0 {
		c.Sessions.LatencyAlpha = DefaultLatencyAlpha
	}
	if c.Dispatch.BatchConcurrency == 0 {
		c.Dispatch.BatchConcurrency = DefaultBatchConcurrency
	}
	if c.Dispatch.HandlerTimeout == 0 {
		c.Dispatch.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = DefaultDedupeMaxSize
	}
	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = DefaultMetricsInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if c.Sessions.StaleAfter <= 0 {
		return fmt.Errorf("sessions.stale_after must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive")
	}
	if c.Sessions.SweepInterval > c.Sessions.StaleAfter {
		return fmt.Errorf("sessions.sweep_interval (%s) must not exceed sessions.stale_after (%s)",
			c.Sessions.SweepInterval, c.Sessions.StaleAfter)
	}
	if c.Sessions.LatencyAlpha <= 0 || c.Sessions.LatencyAlpha > 1 {
		return fmt.Errorf("sessions.latency_alpha must be in (0, 1]")
	}
	if c.Dispatch.BatchConcurrency < 1 {
		return fmt.Errorf("dispatch.batch_concurrency must be at least 1")
	}
	if c.Dedupe.MaxSize < 1 {
		return fmt.Errorf("dedupe.max_size must be at least 1")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessions.stale_after", cfg.Sessions.StaleAfterRaw, &cfg.Sessions.StaleAfter},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"sessions.write_timeout", cfg.Sessions.WriteTimeoutRaw, &cfg.Sessions.WriteTimeout},
		{"dispatch.handler_timeout", cfg.Dispatch.HandlerTimeoutRaw, &cfg.Dispatch.HandlerTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
		{"metrics.interval", cfg.Metrics.IntervalRaw, &cfg.Metrics.Interval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
