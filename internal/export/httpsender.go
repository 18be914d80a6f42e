package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	httpexport "github.com/meterpipe/meterpipe/internal/export/http"
	"github.com/meterpipe/meterpipe/internal/meter"
)

// HTTPConfig configures the NDJSON HTTP sender.
type HTTPConfig struct {
	// Address is the HTTP endpoint points are POSTed to.
	Address string `yaml:"address"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Compression is the payload compression algorithm
	// (none, gzip, zstd, snappy). Defaults to gzip.
	Compression string `yaml:"compression"`

	// Timeout bounds a single request. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// PointRow is the NDJSON row written for one counter point.
type PointRow struct {
	Name               string            `json:"name"`
	Unit               string            `json:"unit,omitempty"`
	Description        string            `json:"description,omitempty"`
	Labels             map[string]string `json:"labels,omitempty"`
	Value              int64             `json:"value"`
	StartDateTime      string            `json:"start_date_time"`
	EventDateTime      string            `json:"event_date_time"`
	ServiceName        string            `json:"service_name"`
	ResourceAttributes map[string]string `json:"resource_attributes,omitempty"`
}

// HTTPSender posts counter points as NDJSON rows, one request per
// chunk.
type HTTPSender struct {
	log      logrus.FieldLogger
	cfg      HTTPConfig
	resource Resource
	exporter *httpexport.Exporter[PointRow]
}

// Ensure HTTPSender implements Sender.
var _ Sender = (*HTTPSender)(nil)

// NewHTTPSender creates a new NDJSON HTTP sender.
func NewHTTPSender(
	log logrus.FieldLogger,
	cfg HTTPConfig,
	res Resource,
) *HTTPSender {
	return &HTTPSender{
		log:      log.WithField("component", "http_sender"),
		cfg:      cfg,
		resource: res,
	}
}

// Name returns the sender identifier.
func (s *HTTPSender) Name() string {
	return "http"
}

// Start initializes the HTTP exporter.
func (s *HTTPSender) Start(_ context.Context) error {
	exporter, err := httpexport.NewExporter[PointRow](s.log, httpexport.Config{
		Enabled:       true,
		Address:       s.cfg.Address,
		Headers:       s.cfg.Headers,
		Compression:   s.cfg.Compression,
		ExportTimeout: s.cfg.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating HTTP exporter: %w", err)
	}

	s.exporter = exporter

	s.log.WithField("address", s.cfg.Address).Info("HTTP sender started")

	return nil
}

// Send posts the chunk as one NDJSON request.
func (s *HTTPSender) Send(ctx context.Context, points []meter.Point) error {
	if s.exporter == nil {
		return Permanent(errors.New("http sender not started"))
	}

	rows := make([]*PointRow, 0, len(points))
	for _, p := range points {
		rows = append(rows, s.pointRow(p))
	}

	if err := s.exporter.ExportItems(ctx, rows); err != nil {
		return classifyHTTPError(err)
	}

	return nil
}

func (s *HTTPSender) pointRow(p meter.Point) *PointRow {
	return &PointRow{
		Name:               p.Name,
		Unit:               p.Unit,
		Description:        p.Description,
		Labels:             meter.LabelMap(p.Labels),
		Value:              p.Value,
		StartDateTime:      p.StartTime.Format("2006-01-02 15:04:05.000"),
		EventDateTime:      p.Time.Format("2006-01-02 15:04:05.000"),
		ServiceName:        s.resource.ServiceName,
		ResourceAttributes: s.resource.Attributes,
	}
}

// Stop shuts down the HTTP exporter.
func (s *HTTPSender) Stop() error {
	if s.exporter == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.exporter.Shutdown(ctx)
}

// classifyHTTPError keeps retryable response codes transient and marks
// the rest permanent. Transport errors stay transient.
func classifyHTTPError(err error) error {
	if err == nil {
		return nil
	}

	var statusErr *httpexport.StatusError
	if errors.As(err, &statusErr) && !statusErr.Retryable() {
		return Permanent(err)
	}

	return err
}
