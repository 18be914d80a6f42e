// Package stream forwards accepted counter increments to an HTTP sink
// as they happen, independently of the periodic snapshot export.
package stream

import (
	"context"
	"fmt"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/meterpipe/meterpipe/internal/export"
	httpexport "github.com/meterpipe/meterpipe/internal/export/http"
	"github.com/meterpipe/meterpipe/internal/meter"
)

// Config configures the record stream.
type Config struct {
	// Enabled enables the record stream.
	Enabled bool `yaml:"enabled"`

	// BufferSize is the in-memory record buffer. Records are dropped
	// when it is full. Defaults to 65536.
	BufferSize int `yaml:"buffer_size"`

	// HTTP configures the NDJSON endpoint (e.g., Vector).
	HTTP httpexport.Config `yaml:"http"`
}

// RecordJSON is the NDJSON row for one accepted increment.
type RecordJSON struct {
	Name          string            `json:"name"`
	Unit          string            `json:"unit,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Delta         int64             `json:"delta"`
	EventDateTime string            `json:"event_date_time"`
	ServiceName   string            `json:"service_name"`
}

// Stream fans accepted increments out to an HTTP sink through a
// batching processor. Recording never blocks on the sink.
type Stream struct {
	log     logrus.FieldLogger
	cfg     Config
	service string
	health  *export.HealthMetrics

	proc     *processor.BatchItemProcessor[RecordJSON]
	recordCh chan meter.Record
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a record stream. The HTTP address must be set.
func New(
	log logrus.FieldLogger,
	cfg Config,
	serviceName string,
	health *export.HealthMetrics,
) (*Stream, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 65536
	}

	cfg.HTTP.Enabled = true

	proc, err := httpexport.NewProcessor[RecordJSON](
		log,
		cfg.HTTP,
		"record_stream",
	)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP processor: %w", err)
	}

	return &Stream{
		log:      log.WithField("component", "stream"),
		cfg:      cfg,
		service:  serviceName,
		health:   health,
		proc:     proc,
		recordCh: make(chan meter.Record, cfg.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// HandleRecord enqueues an accepted increment without blocking the
// recording path. Records are dropped when the buffer is full.
func (s *Stream) HandleRecord(rec meter.Record) {
	select {
	case s.recordCh <- rec:
	default:
		s.log.Warn("Record stream buffer full, dropping record")

		if s.health != nil {
			s.health.StreamEventsDropped.Inc()
		}
	}
}

// Start begins forwarding records.
func (s *Stream) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.proc.Start(ctx)

	go s.runLoop(ctx)

	s.log.WithField("address", s.cfg.HTTP.Address).
		Info("Record stream started")

	return nil
}

func (s *Stream) runLoop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.recordCh:
			s.write(ctx, rec)
		}
	}
}

func (s *Stream) write(ctx context.Context, rec meter.Record) {
	row := s.toRow(rec)

	if err := s.proc.Write(ctx, []*RecordJSON{row}); err != nil {
		s.log.WithError(err).
			Debug("Record stream write failed (queue may be full)")
	}
}

func (s *Stream) toRow(rec meter.Record) *RecordJSON {
	return &RecordJSON{
		Name:          rec.Instrument.Name,
		Unit:          rec.Instrument.Unit,
		Labels:        meter.LabelMap(rec.Labels),
		Delta:         rec.Delta,
		EventDateTime: rec.Time.Format("2006-01-02 15:04:05.000"),
		ServiceName:   s.service,
	}
}

// Stop drains buffered records and shuts down the processor.
func (s *Stream) Stop() error {
	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done

drain:
	for {
		select {
		case rec := <-s.recordCh:
			s.write(context.Background(), rec)
		default:
			break drain
		}
	}

	if err := s.proc.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutting down record stream processor: %w", err)
	}

	return nil
}
