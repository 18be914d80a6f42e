package http

import (
	"errors"
	"time"
)

// Defaults applied by ApplyDefaults to unset fields.
const (
	defaultBatchSize     = 512
	defaultBatchTimeout  = 5 * time.Second
	defaultExportTimeout = 30 * time.Second
	defaultMaxQueueSize  = 51200
	defaultWorkers       = 1
)

// Config configures the NDJSON row exporter.
type Config struct {
	// Enabled enables the exporter.
	Enabled bool `yaml:"enabled"`

	// Address is the HTTP endpoint rows are POSTed to.
	Address string `yaml:"address"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Compression is the payload algorithm: none, gzip, zstd or
	// snappy. Defaults to gzip.
	Compression string `yaml:"compression"`

	// BatchSize caps the number of rows per request.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout is how long a partial batch may wait before it is
	// sent anyway.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// ExportTimeout bounds a single request.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize caps the number of rows waiting to be batched.
	// Rows past the cap are dropped.
	MaxQueueSize int `yaml:"max_queue_size"`

	// Workers is the number of concurrent export workers.
	Workers int `yaml:"workers"`

	// KeepAlive enables HTTP keep-alive connections. Defaults to
	// true.
	KeepAlive *bool `yaml:"keep_alive"`
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Compression == "" {
		c.Compression = CompressionGzip
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}

	if c.ExportTimeout <= 0 {
		c.ExportTimeout = defaultExportTimeout
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaultMaxQueueSize
	}

	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}

	if c.KeepAlive == nil {
		keepAlive := true
		c.KeepAlive = &keepAlive
	}
}

// Validate checks the configuration. A disabled config is always
// valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Address == "" {
		return errors.New("http address is required when enabled")
	}

	if c.BatchSize <= 0 {
		return errors.New("batch_size must be greater than 0")
	}

	if c.MaxQueueSize <= 0 {
		return errors.New("max_queue_size must be greater than 0")
	}

	if c.BatchSize > c.MaxQueueSize {
		return errors.New("batch_size cannot be greater than max_queue_size")
	}

	if c.Workers <= 0 {
		return errors.New("workers must be greater than 0")
	}

	if c.Compression != "" {
		if _, ok := contentEncodings[c.Compression]; !ok {
			return errors.New("invalid compression type: " + c.Compression)
		}
	}

	return nil
}

// IsKeepAlive reports whether keep-alive connections are enabled.
func (c *Config) IsKeepAlive() bool {
	if c.KeepAlive == nil {
		return true
	}

	return *c.KeepAlive
}
