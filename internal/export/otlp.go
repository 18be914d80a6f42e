package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meterpipe/meterpipe/internal/meter"
	"github.com/meterpipe/meterpipe/internal/version"
)

// OTLPConfig configures the OTLP counter sender.
type OTLPConfig struct {
	// Endpoint is the OTLP endpoint (e.g. "otel-collector:4317").
	Endpoint string `yaml:"endpoint"`

	// Protocol selects the transport, "grpc" (default) or "http".
	Protocol string `yaml:"protocol"`

	// Insecure disables TLS for the connection.
	Insecure bool `yaml:"insecure"`

	// Headers are attached to every export request.
	Headers map[string]string `yaml:"headers"`

	// Timeout bounds a single export request. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// OTLPSender ships counter points to an OTLP collector. Retries are
// left to the batcher, so the exporter's own retry loop is disabled.
type OTLPSender struct {
	log      logrus.FieldLogger
	cfg      OTLPConfig
	resource Resource
	res      *resource.Resource
	exporter sdkmetric.Exporter
}

// Ensure OTLPSender implements Sender.
var _ Sender = (*OTLPSender)(nil)

// NewOTLPSender creates a new OTLP sender.
func NewOTLPSender(
	log logrus.FieldLogger,
	cfg OTLPConfig,
	res Resource,
) *OTLPSender {
	return &OTLPSender{
		log:      log.WithField("component", "otlp"),
		cfg:      cfg,
		resource: res,
	}
}

// Name returns the sender identifier.
func (s *OTLPSender) Name() string {
	return "otlp"
}

// Start initializes the OTLP exporter and resource.
func (s *OTLPSender) Start(ctx context.Context) error {
	res, err := newOTelResource(ctx, s.resource)
	if err != nil {
		return fmt.Errorf("creating OTLP resource: %w", err)
	}

	s.res = res

	protocol := s.cfg.Protocol
	if protocol == "" {
		protocol = "grpc"
	}

	switch protocol {
	case "grpc":
		s.exporter, err = s.newGRPCExporter(ctx)
	case "http":
		s.exporter, err = s.newHTTPExporter(ctx)
	default:
		return fmt.Errorf("unknown OTLP protocol %q", protocol)
	}

	if err != nil {
		return fmt.Errorf("creating OTLP exporter: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"endpoint": s.cfg.Endpoint,
		"protocol": protocol,
	}).Info("OTLP sender started")

	return nil
}

func (s *OTLPSender) newGRPCExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(s.cfg.Endpoint),
		otlpmetricgrpc.WithRetry(otlpmetricgrpc.RetryConfig{Enabled: false}),
	}

	if s.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	if len(s.cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(s.cfg.Headers))
	}

	if s.cfg.Timeout > 0 {
		opts = append(opts, otlpmetricgrpc.WithTimeout(s.cfg.Timeout))
	}

	return otlpmetricgrpc.New(ctx, opts...)
}

func (s *OTLPSender) newHTTPExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(s.cfg.Endpoint),
		otlpmetrichttp.WithRetry(otlpmetrichttp.RetryConfig{Enabled: false}),
	}

	if s.cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	if len(s.cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(s.cfg.Headers))
	}

	if s.cfg.Timeout > 0 {
		opts = append(opts, otlpmetrichttp.WithTimeout(s.cfg.Timeout))
	}

	return otlpmetrichttp.New(ctx, opts...)
}

// Send converts the chunk to OTLP resource metrics and exports it.
func (s *OTLPSender) Send(ctx context.Context, points []meter.Point) error {
	if s.exporter == nil {
		return Permanent(errors.New("otlp sender not started"))
	}

	rm := &metricdata.ResourceMetrics{
		Resource: s.res,
		ScopeMetrics: []metricdata.ScopeMetrics{
			{
				Scope: instrumentation.Scope{
					Name:    "github.com/meterpipe/meterpipe",
					Version: version.Release,
				},
				Metrics: groupCounterMetrics(points),
			},
		},
	}

	if err := s.exporter.Export(ctx, rm); err != nil {
		return classifyOTLPError(err)
	}

	return nil
}

// Stop shuts down the OTLP exporter.
func (s *OTLPSender) Stop() error {
	if s.exporter == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.exporter.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down OTLP exporter: %w", err)
	}

	return nil
}

// groupCounterMetrics folds sorted points into one monotonic cumulative
// sum per instrument, preserving point order.
func groupCounterMetrics(points []meter.Point) []metricdata.Metrics {
	metrics := make([]metricdata.Metrics, 0, 4)

	for _, p := range points {
		dp := metricdata.DataPoint[int64]{
			Attributes: p.Labels,
			StartTime:  p.StartTime,
			Time:       p.Time,
			Value:      p.Value,
		}

		if n := len(metrics); n > 0 &&
			metrics[n-1].Name == p.Name && metrics[n-1].Unit == p.Unit {
			sum, ok := metrics[n-1].Data.(metricdata.Sum[int64])
			if ok {
				sum.DataPoints = append(sum.DataPoints, dp)
				metrics[n-1].Data = sum

				continue
			}
		}

		metrics = append(metrics, metricdata.Metrics{
			Name:        p.Name,
			Description: p.Description,
			Unit:        p.Unit,
			Data: metricdata.Sum[int64]{
				DataPoints:  []metricdata.DataPoint[int64]{dp},
				Temporality: metricdata.CumulativeTemporality,
				IsMonotonic: true,
			},
		})
	}

	return metrics
}

// newOTelResource converts a Resource to its OTel representation.
func newOTelResource(ctx context.Context, r Resource) (*resource.Resource, error) {
	attrs := make([]attribute.KeyValue, 0, len(r.Attributes)+1)
	attrs = append(attrs, semconv.ServiceName(r.ServiceName))

	for k, v := range r.Attributes {
		if k == string(semconv.ServiceNameKey) {
			continue
		}

		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// classifyOTLPError marks gRPC failures that retrying cannot fix as
// permanent. Non-status errors stay transient.
func classifyOTLPError(err error) error {
	if err == nil {
		return nil
	}

	switch status.Code(err) {
	case codes.OK:
		return nil
	case codes.Canceled,
		codes.DeadlineExceeded,
		codes.Aborted,
		codes.OutOfRange,
		codes.ResourceExhausted,
		codes.Unavailable,
		codes.DataLoss,
		codes.Unknown:
		return err
	default:
		return Permanent(err)
	}
}
