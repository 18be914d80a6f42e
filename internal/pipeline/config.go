package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meterpipe/meterpipe/internal/export"
	"github.com/meterpipe/meterpipe/internal/source"
	"github.com/meterpipe/meterpipe/internal/stream"
)

// Exporter kinds.
const (
	ExporterOTLP       = "otlp"
	ExporterClickHouse = "clickhouse"
	ExporterHTTP       = "http"
)

// Config is the top-level configuration for the meterpipe pipeline.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// ServiceName identifies the reporting service on every exported
	// point. Required.
	ServiceName string `yaml:"service_name"`

	// ResourceAttributes are extra static attributes attached to the
	// resource descriptor.
	ResourceAttributes map[string]string `yaml:"resource_attributes"`

	// ExportInterval is the scheduler tick interval. Defaults to 5s.
	ExportInterval time.Duration `yaml:"export_interval"`

	// MaxBatchSize caps the number of points per transmission.
	// Defaults to 1: send eagerly.
	MaxBatchSize int `yaml:"max_batch_size"`

	// RetryLimit is the maximum transmission attempts per chunk.
	// Defaults to 3. Zero means a single attempt, no retries.
	RetryLimit int `yaml:"retry_limit"`

	// Retry tunes the backoff between transmission attempts.
	Retry RetryConfig `yaml:"retry"`

	// ShutdownTimeout bounds the final flush on shutdown. Defaults
	// to 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Exporter selects and configures the sender.
	Exporter ExporterConfig `yaml:"exporter"`

	// Stream configures the optional per-record NDJSON stream.
	Stream stream.Config `yaml:"stream"`

	// Sources configures the built-in measurement sources.
	Sources SourcesConfig `yaml:"sources"`

	// Checkpoint configures totals persistence across restarts.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`
}

// RetryConfig tunes the backoff between transmission attempts.
type RetryConfig struct {
	// InitialBackoff is the delay before the first retry. Defaults
	// to 500ms.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the delay between retries. Defaults to 5s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ExporterConfig selects the sender the pipeline transmits through.
type ExporterConfig struct {
	// Kind selects the sender (otlp, clickhouse, http).
	Kind string `yaml:"kind"`

	// OTLP configures the OTLP sender.
	OTLP export.OTLPConfig `yaml:"otlp"`

	// ClickHouse configures the ClickHouse sender.
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`

	// HTTP configures the NDJSON-over-HTTP sender.
	HTTP export.HTTPConfig `yaml:"http"`
}

// SourcesConfig configures the built-in measurement sources.
type SourcesConfig struct {
	// System configures process stat collection.
	System source.SystemConfig `yaml:"system"`
}

// CheckpointConfig configures totals persistence across restarts.
type CheckpointConfig struct {
	// Path is the checkpoint file. Empty disables persistence.
	Path string `yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       "info",
		ServiceName:    "meterpipe",
		ExportInterval: 5 * time.Second,
		MaxBatchSize:   1,
		RetryLimit:     3,
		Retry: RetryConfig{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		ShutdownTimeout: 10 * time.Second,
		Exporter: ExporterConfig{
			Kind: ExporterOTLP,
			OTLP: export.OTLPConfig{
				Endpoint: "localhost:4317",
				Protocol: "grpc",
				Insecure: true,
				Timeout:  30 * time.Second,
			},
		},
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}

	if c.ExportInterval <= 0 {
		return fmt.Errorf("export_interval must be positive")
	}

	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.RetryLimit < 0 {
		return fmt.Errorf("retry_limit must not be negative")
	}

	switch c.Exporter.Kind {
	case ExporterOTLP:
		if c.Exporter.OTLP.Endpoint == "" {
			return fmt.Errorf("exporter.otlp.endpoint is required")
		}
	case ExporterClickHouse:
		if c.Exporter.ClickHouse.Endpoint == "" {
			return fmt.Errorf("exporter.clickhouse.endpoint is required")
		}
	case ExporterHTTP:
		if c.Exporter.HTTP.Address == "" {
			return fmt.Errorf("exporter.http.address is required")
		}
	default:
		return fmt.Errorf("unknown exporter kind %q", c.Exporter.Kind)
	}

	if c.Stream.Enabled && c.Stream.HTTP.Address == "" {
		return fmt.Errorf("stream.http.address is required when the stream is enabled")
	}

	if c.Sources.System.Interval < 0 {
		return fmt.Errorf("sources.system.interval must not be negative")
	}

	return nil
}

// BatcherConfig maps the top-level batching knobs onto the exporter's
// config shape.
func (c *Config) BatcherConfig() export.BatcherConfig {
	return export.BatcherConfig{
		MaxBatchSize:   c.MaxBatchSize,
		RetryLimit:     c.RetryLimit,
		InitialBackoff: c.Retry.InitialBackoff,
		MaxBackoff:     c.Retry.MaxBackoff,
	}
}
