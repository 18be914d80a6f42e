package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "meterpipe", cfg.ServiceName)
	assert.Equal(t, 5*time.Second, cfg.ExportInterval)
	assert.Equal(t, 1, cfg.MaxBatchSize)
	assert.Equal(t, 3, cfg.RetryLimit)
	assert.Equal(t, ExporterOTLP, cfg.Exporter.Kind)
	assert.Equal(t, "localhost:4317", cfg.Exporter.OTLP.Endpoint)
	assert.True(t, cfg.Exporter.OTLP.Insecure)
	assert.Equal(t, ":9090", cfg.Health.Addr)
}

func TestLoadConfig(t *testing.T) {
	yaml := `
log_level: debug
service_name: billing
resource_attributes:
  deployment.environment: staging
export_interval: 2500ms
max_batch_size: 50
retry_limit: 5
retry:
  initial_backoff: 250ms
  max_backoff: 2s
shutdown_timeout: 3s
exporter:
  kind: clickhouse
  clickhouse:
    endpoint: "localhost:9000"
    database: metrics
stream:
  enabled: true
  buffer_size: 1024
  http:
    address: "http://localhost:8080/events"
sources:
  system:
    enabled: true
    interval: 15s
checkpoint:
  path: /var/lib/meterpipe/checkpoint.json
health:
  addr: ":9091"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "billing", cfg.ServiceName)
	assert.Equal(t, "staging", cfg.ResourceAttributes["deployment.environment"])
	assert.Equal(t, 2500*time.Millisecond, cfg.ExportInterval)
	assert.Equal(t, 50, cfg.MaxBatchSize)
	assert.Equal(t, 5, cfg.RetryLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, ExporterClickHouse, cfg.Exporter.Kind)
	assert.Equal(t, "localhost:9000", cfg.Exporter.ClickHouse.Endpoint)
	assert.Equal(t, "metrics", cfg.Exporter.ClickHouse.Database)
	assert.True(t, cfg.Stream.Enabled)
	assert.Equal(t, 1024, cfg.Stream.BufferSize)
	assert.True(t, cfg.Sources.System.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Sources.System.Interval)
	assert.Equal(t, "/var/lib/meterpipe/checkpoint.json", cfg.Checkpoint.Path)
	assert.Equal(t, ":9091", cfg.Health.Addr)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("\t- bad"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
}

func TestValidate_MissingServiceName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceName = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service_name is required")
}

func TestValidate_NonPositiveInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExportInterval = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export_interval must be positive")
}

func TestValidate_NonPositiveBatchSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_batch_size must be positive")
}

func TestValidate_NegativeRetryLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryLimit = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry_limit must not be negative")
}

func TestValidate_UnknownExporterKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporter.Kind = "kafka"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown exporter kind "kafka"`)
}

func TestValidate_ClickHouseWithoutEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporter.Kind = ExporterClickHouse

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exporter.clickhouse.endpoint is required")
}

func TestValidate_HTTPWithoutAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporter.Kind = ExporterHTTP

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exporter.http.address is required")
}

func TestValidate_StreamWithoutAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stream.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream.http.address is required")
}

func TestBatcherConfig_Mapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 7
	cfg.RetryLimit = 2
	cfg.Retry.InitialBackoff = 100 * time.Millisecond
	cfg.Retry.MaxBackoff = time.Second

	bc := cfg.BatcherConfig()

	assert.Equal(t, 7, bc.MaxBatchSize)
	assert.Equal(t, 2, bc.RetryLimit)
	assert.Equal(t, 100*time.Millisecond, bc.InitialBackoff)
	assert.Equal(t, time.Second, bc.MaxBackoff)
}
