package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/meterpipe/meterpipe/internal/export"
	"github.com/meterpipe/meterpipe/internal/meter"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// captureServer records every request body it receives.
type captureServer struct {
	*httptest.Server

	mu       sync.Mutex
	body     string
	requests atomic.Int32
}

func newCaptureServer() *captureServer {
	s := &captureServer{}

	s.Server = httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)

			s.mu.Lock()
			s.body += string(data)
			s.mu.Unlock()

			s.requests.Add(1)

			w.WriteHeader(http.StatusOK)
		}),
	)

	return s
}

func (s *captureServer) bodyString() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.body
}

func testConfig(addr string) *Config {
	cfg := DefaultConfig()
	cfg.LogLevel = "error"
	cfg.ServiceName = "meterpipe-test"
	cfg.ExportInterval = time.Hour
	cfg.MaxBatchSize = 100
	cfg.Exporter.Kind = ExporterHTTP
	cfg.Exporter.HTTP = export.HTTPConfig{
		Address:     addr,
		Compression: "none",
	}
	cfg.Health.Addr = "127.0.0.1:0"

	return cfg
}

func shutdownCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestPipeline_StartShutdownFlushes(t *testing.T) {
	srv := newCaptureServer()
	defer srv.Close()

	p, err := New(testLog(), testConfig(srv.URL))
	require.NoError(t, err)

	inst := meter.Instrument{Name: "work_done", Unit: "1"}
	require.NoError(t, p.Meter().Record(inst, 1, attribute.String("work.id", "0")))
	require.NoError(t, p.Meter().Record(inst, 1, attribute.String("work.id", "1")))

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Shutdown(shutdownCtx(t)))

	assert.Equal(t, int32(1), srv.requests.Load(), "one chunk, one request")

	body := srv.bodyString()
	assert.Contains(t, body, `"name":"work_done"`)
	assert.Contains(t, body, `"work.id":"0"`)
	assert.Contains(t, body, `"work.id":"1"`)
	assert.Contains(t, body, `"service_name":"meterpipe-test"`)
}

func TestPipeline_ShutdownIdempotent(t *testing.T) {
	srv := newCaptureServer()
	defer srv.Close()

	p, err := New(testLog(), testConfig(srv.URL))
	require.NoError(t, err)

	require.NoError(t, p.Meter().Record(meter.Instrument{Name: "work_done"}, 1))

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Shutdown(shutdownCtx(t)))

	first := srv.requests.Load()

	require.NoError(t, p.Shutdown(shutdownCtx(t)))

	assert.Equal(t, first, srv.requests.Load(), "second shutdown must not export again")
}

func TestPipeline_ShutdownNeverExceedsDeadline(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(1500 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}),
	)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryLimit = 1

	p, err := New(testLog(), cfg)
	require.NoError(t, err)

	require.NoError(t, p.Meter().Record(meter.Instrument{Name: "work_done"}, 1))
	require.NoError(t, p.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = p.Shutdown(ctx)

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "shutdown must respect the deadline")
}

func TestPipeline_DroppedChunksReportedToSink(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}),
	)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryLimit = 3

	p, err := New(testLog(), cfg)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		dropped []meter.Point
		dropErr error
	)

	p.OnDrop(func(points []meter.Point, err error) {
		mu.Lock()
		defer mu.Unlock()

		dropped = append(dropped, points...)
		dropErr = err
	})

	require.NoError(t, p.Meter().Record(meter.Instrument{Name: "work_done"}, 1))
	require.NoError(t, p.Start(context.Background()))

	err = p.Shutdown(shutdownCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final export")

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, dropped, 1)
	assert.Equal(t, "work_done", dropped[0].Instrument.Name)
	assert.True(t, export.IsPermanent(dropErr), "4xx responses are permanent")
}

func TestPipeline_CheckpointRestoresTotals(t *testing.T) {
	srv := newCaptureServer()
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "checkpoint.json")

	cfg := testConfig(srv.URL)
	cfg.Checkpoint.Path = path

	p1, err := New(testLog(), cfg)
	require.NoError(t, err)

	inst := meter.Instrument{Name: "work_done", Unit: "1"}
	require.NoError(t, p1.Meter().Record(inst, 5))

	require.NoError(t, p1.Start(context.Background()))
	require.NoError(t, p1.Shutdown(shutdownCtx(t)))

	require.FileExists(t, path)

	cfg2 := testConfig(srv.URL)
	cfg2.Checkpoint.Path = path

	p2, err := New(testLog(), cfg2)
	require.NoError(t, err)

	require.NoError(t, p2.Start(context.Background()))

	points := p2.Meter().Snapshot()
	require.Len(t, points, 1)
	assert.Equal(t, int64(5), points[0].Value)

	require.NoError(t, p2.Shutdown(shutdownCtx(t)))
}

func TestPipeline_DoubleStartFails(t *testing.T) {
	srv := newCaptureServer()
	defer srv.Close()

	p, err := New(testLog(), testConfig(srv.URL))
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))

	err = p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, p.Shutdown(shutdownCtx(t)))
}

func TestNew_UnknownExporterKind(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Exporter.Kind = "kafka"

	_, err := New(testLog(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown exporter kind "kafka"`)
}
