package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/meterpipe/meterpipe/internal/meter"
)

// BatcherConfig configures chunking and retry behavior.
type BatcherConfig struct {
	// MaxBatchSize caps the number of points per transmitted chunk.
	// Defaults to 1.
	MaxBatchSize int `yaml:"max_batch_size"`

	// RetryLimit is the maximum number of transmission attempts per
	// chunk, including the first. Defaults to 3.
	RetryLimit int `yaml:"retry_limit"`

	// InitialBackoff is the wait before the first retry. Defaults
	// to 500ms. Subsequent waits grow exponentially.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the wait between retries. Defaults to 5s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DropFunc is notified with each chunk dropped after its retries are
// exhausted.
type DropFunc func(points []meter.Point, err error)

// Batcher splits snapshots into bounded chunks and delivers them
// through a Sender, retrying transient failures with exponential
// backoff. Chunks that exhaust their retries are dropped and reported,
// never requeued.
type Batcher struct {
	log    logrus.FieldLogger
	cfg    BatcherConfig
	sender Sender
	health *HealthMetrics
	onDrop []DropFunc
}

// NewBatcher creates a batcher around sender.
func NewBatcher(
	log logrus.FieldLogger,
	cfg BatcherConfig,
	sender Sender,
	health *HealthMetrics,
) (*Batcher, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}

	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("max_batch_size must be at least 1, got %d", cfg.MaxBatchSize)
	}

	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 1
	}

	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}

	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}

	return &Batcher{
		log:    log.WithField("component", "batcher"),
		cfg:    cfg,
		sender: sender,
		health: health,
	}, nil
}

// OnDrop registers fn as a drop observer. Must be called before the
// first Export.
func (b *Batcher) OnDrop(fn DropFunc) {
	b.onDrop = append(b.onDrop, fn)
}

// Start starts the underlying sender.
func (b *Batcher) Start(ctx context.Context) error {
	if err := b.sender.Start(ctx); err != nil {
		return fmt.Errorf("starting %s sender: %w", b.sender.Name(), err)
	}

	if b.health != nil {
		b.health.SenderConnected.WithLabelValues(b.sender.Name()).Set(1)
	}

	b.log.WithField("sender", b.sender.Name()).Info("Sender started")

	return nil
}

// Stop stops the underlying sender.
func (b *Batcher) Stop() error {
	if b.health != nil {
		b.health.SenderConnected.WithLabelValues(b.sender.Name()).Set(0)
	}

	return b.sender.Stop()
}

// Export delivers points in chunks of at most MaxBatchSize, preserving
// order. A chunk that fails permanently or exhausts its retries is
// dropped; the remaining chunks are still sent. The returned error
// joins the per-chunk failures.
func (b *Batcher) Export(ctx context.Context, points []meter.Point) error {
	if len(points) == 0 {
		return nil
	}

	name := b.sender.Name()
	chunks := splitChunks(points, b.cfg.MaxBatchSize)

	var errs []error

	for i, chunk := range chunks {
		start := time.Now()
		err := b.sendChunk(ctx, chunk)

		if b.health != nil {
			b.health.ExportDuration.WithLabelValues(name).
				Observe(time.Since(start).Seconds())
		}

		if err != nil {
			kind := "transient"
			if IsPermanent(err) {
				kind = "permanent"
			}

			if b.health != nil {
				b.health.ExportFailures.WithLabelValues(name, kind).Inc()
				b.health.PointsDropped.WithLabelValues(name).
					Add(float64(len(chunk)))
			}

			b.log.WithError(err).WithFields(logrus.Fields{
				"sender": name,
				"chunk":  i + 1,
				"chunks": len(chunks),
				"points": len(chunk),
			}).Error("Dropping chunk")

			for _, fn := range b.onDrop {
				fn(chunk, err)
			}

			errs = append(errs, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err))

			continue
		}

		if b.health != nil {
			b.health.PointsExported.WithLabelValues(name).
				Add(float64(len(chunk)))
		}
	}

	return errors.Join(errs...)
}

// sendChunk transmits one chunk, retrying transient failures up to
// RetryLimit total attempts.
func (b *Batcher) sendChunk(ctx context.Context, chunk []meter.Point) error {
	name := b.sender.Name()
	attempts := 0

	op := func() (struct{}, error) {
		attempts++

		if b.health != nil {
			b.health.ExportAttempts.WithLabelValues(name).Inc()

			if attempts > 1 {
				b.health.ExportRetries.WithLabelValues(name).Inc()
			}
		}

		err := b.sender.Send(ctx, chunk)

		switch {
		case err == nil:
			return struct{}{}, nil
		case IsPermanent(err):
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = b.cfg.InitialBackoff
	expo.MaxInterval = b.cfg.MaxBackoff

	notify := func(err error, wait time.Duration) {
		b.log.WithError(err).WithFields(logrus.Fields{
			"sender":  name,
			"attempt": attempts,
			"wait":    wait.String(),
		}).Warn("Send failed, backing off")
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(b.cfg.RetryLimit)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return fmt.Errorf("sending %d points after %d attempts: %w", len(chunk), attempts, err)
	}

	return nil
}

// splitChunks slices points into runs of at most size elements.
func splitChunks(points []meter.Point, size int) [][]meter.Point {
	chunks := make([][]meter.Point, 0, (len(points)+size-1)/size)

	for start := 0; start < len(points); start += size {
		end := start + size
		if end > len(points) {
			end = len(points)
		}

		chunks = append(chunks, points[start:end])
	}

	return chunks
}
