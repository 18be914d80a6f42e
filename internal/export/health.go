package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for pipeline health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Aggregation layer
	RecordsTotal  prometheus.Counter
	RecordErrors  prometheus.Counter
	SeriesTracked prometheus.Gauge

	// Scheduler layer
	TicksTotal     prometheus.Counter
	SnapshotPoints prometheus.Histogram

	// Export layer
	ExportAttempts  *prometheus.CounterVec   // sender
	ExportFailures  *prometheus.CounterVec   // sender, kind (transient/permanent)
	ExportRetries   *prometheus.CounterVec   // sender
	PointsExported  *prometheus.CounterVec   // sender
	PointsDropped   *prometheus.CounterVec   // sender
	ExportDuration  *prometheus.HistogramVec // sender
	SenderConnected *prometheus.GaugeVec     // sender

	// Stream layer
	StreamEventsDropped prometheus.Counter

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		RecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterpipe",
			Name:      "records_total",
			Help:      "Total counter increments accepted by the accumulator.",
		}),
		RecordErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterpipe",
			Name:      "record_errors_total",
			Help:      "Total increments rejected with an invalid delta.",
		}),
		SeriesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meterpipe",
			Name:      "series_tracked",
			Help:      "Number of counter series currently accumulated.",
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterpipe",
			Name:      "scheduler_ticks_total",
			Help:      "Total scheduler ticks that triggered a snapshot.",
		}),
		SnapshotPoints: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meterpipe",
			Name:      "snapshot_points",
			Help:      "Number of points per snapshot.",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000}, // 1-5000 series
		}),
		ExportAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterpipe",
				Name:      "export_attempts_total",
				Help:      "Total chunk transmission attempts by sender.",
			},
			[]string{"sender"},
		),
		ExportFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterpipe",
				Name:      "export_failures_total",
				Help:      "Total failed chunk transmissions by sender and error kind.",
			},
			[]string{"sender", "kind"},
		),
		ExportRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterpipe",
				Name:      "export_retries_total",
				Help:      "Total chunk retransmissions after a transient failure by sender.",
			},
			[]string{"sender"},
		),
		PointsExported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterpipe",
				Name:      "points_exported_total",
				Help:      "Total points delivered by sender.",
			},
			[]string{"sender"},
		),
		PointsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterpipe",
				Name:      "points_dropped_total",
				Help:      "Total points dropped after retries were exhausted by sender.",
			},
			[]string{"sender"},
		),
		ExportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "meterpipe",
				Name:      "export_duration_seconds",
				Help:      "Time to deliver a chunk including retries by sender.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}, // 1ms-5s
			},
			[]string{"sender"},
		),
		SenderConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "meterpipe",
				Name:      "sender_connected",
				Help:      "Whether the sender connection is established (1=yes, 0=no).",
			},
			[]string{"sender"},
		),
		StreamEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterpipe",
			Name:      "stream_events_dropped_total",
			Help:      "Total record stream events dropped due to a full buffer.",
		}),
	}

	reg.MustRegister(
		h.RecordsTotal,
		h.RecordErrors,
		h.SeriesTracked,
		h.TicksTotal,
		h.SnapshotPoints,
		h.ExportAttempts,
		h.ExportFailures,
		h.ExportRetries,
		h.PointsExported,
		h.PointsDropped,
		h.ExportDuration,
		h.SenderConnected,
		h.StreamEventsDropped,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
