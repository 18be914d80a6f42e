// Package pipeline wires the meter, scheduler, and exporter together
// and owns their lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/meterpipe/meterpipe/internal/export"
	"github.com/meterpipe/meterpipe/internal/meter"
	"github.com/meterpipe/meterpipe/internal/schedule"
	"github.com/meterpipe/meterpipe/internal/source"
	"github.com/meterpipe/meterpipe/internal/stream"
)

// ErrShutdownTimeout is returned when the final flush exceeds the
// shutdown deadline. The pipeline still stops in the background.
var ErrShutdownTimeout = errors.New("shutdown deadline exceeded")

// Pipeline is the top-level orchestrator: it owns the accumulator, the
// scheduler, the batching exporter, and the optional record stream and
// sources, and starts and stops them in dependency order.
type Pipeline struct {
	log    logrus.FieldLogger
	cfg    *Config
	health *export.HealthMetrics

	resource export.Resource
	acc      *meter.Accumulator
	batcher  *export.Batcher
	sched    *schedule.Scheduler
	stream   *stream.Stream
	sources  []source.Source

	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool
}

// New creates a Pipeline from a validated config.
func New(log logrus.FieldLogger, cfg *Config) (*Pipeline, error) {
	health := export.NewHealthMetrics(log, cfg.Health)

	res := export.Resource{
		ServiceName: cfg.ServiceName,
		Attributes:  cfg.ResourceAttributes,
	}

	acc := meter.New(log)

	acc.OnRecord(func(meter.Record) {
		health.RecordsTotal.Inc()
	})

	acc.OnReject(func(error) {
		health.RecordErrors.Inc()
	})

	sender, err := newSender(log, cfg, res)
	if err != nil {
		return nil, err
	}

	batcher, err := export.NewBatcher(log, cfg.BatcherConfig(), sender, health)
	if err != nil {
		return nil, fmt.Errorf("creating batcher: %w", err)
	}

	p := &Pipeline{
		log:      log.WithField("component", "pipeline"),
		cfg:      cfg,
		health:   health,
		resource: res,
		acc:      acc,
		batcher:  batcher,
	}

	sched, err := schedule.New(
		log, cfg.ExportInterval, nil, p.snapshot, p.export, health,
	)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	p.sched = sched

	if cfg.Stream.Enabled {
		st, err := stream.New(log, cfg.Stream, cfg.ServiceName, health)
		if err != nil {
			return nil, fmt.Errorf("creating record stream: %w", err)
		}

		p.stream = st

		acc.OnRecord(st.HandleRecord)
	}

	if cfg.Sources.System.Enabled {
		sys, err := source.NewSystem(log, cfg.Sources.System, acc)
		if err != nil {
			return nil, fmt.Errorf("creating system source: %w", err)
		}

		p.sources = append(p.sources, sys)
	}

	return p, nil
}

func newSender(
	log logrus.FieldLogger,
	cfg *Config,
	res export.Resource,
) (export.Sender, error) {
	switch cfg.Exporter.Kind {
	case ExporterOTLP:
		return export.NewOTLPSender(log, cfg.Exporter.OTLP, res), nil
	case ExporterClickHouse:
		return export.NewClickHouseSender(log, cfg.Exporter.ClickHouse, res), nil
	case ExporterHTTP:
		return export.NewHTTPSender(log, cfg.Exporter.HTTP, res), nil
	default:
		return nil, fmt.Errorf("unknown exporter kind %q", cfg.Exporter.Kind)
	}
}

// Meter returns the accumulator application code records into.
func (p *Pipeline) Meter() *meter.Accumulator {
	return p.acc
}

// OnDrop registers a callback for chunks dropped after retry
// exhaustion. Must be called before Start.
func (p *Pipeline) OnDrop(fn export.DropFunc) {
	p.batcher.OnDrop(fn)
}

// Start brings the pipeline up: health server, checkpoint restore,
// record stream, sender, scheduler, then sources.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already started")
	}

	ctx, p.cancel = context.WithCancel(ctx)

	// 1. Start the health metrics server.
	if err := p.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	p.log.Info("Health metrics server started")

	p.log.WithFields(logrus.Fields{
		"service":  p.resource.ServiceName,
		"exporter": p.cfg.Exporter.Kind,
		"interval": p.cfg.ExportInterval,
	}).Info("Pipeline configured")

	// 2. Restore checkpointed totals before anything records.
	if p.cfg.Checkpoint.Path != "" {
		if err := p.acc.LoadCheckpoint(p.cfg.Checkpoint.Path); err != nil {
			return fmt.Errorf("restoring checkpoint: %w", err)
		}
	}

	// 3. Start the record stream.
	if p.stream != nil {
		if err := p.stream.Start(ctx); err != nil {
			return fmt.Errorf("starting record stream: %w", err)
		}
	}

	// 4. Start the sender so the scheduler never ticks into a dead
	// exporter.
	if err := p.batcher.Start(ctx); err != nil {
		return fmt.Errorf("starting exporter: %w", err)
	}

	// 5. Start the scheduler.
	if err := p.sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// 6. Start measurement sources.
	for _, src := range p.sources {
		if err := src.Start(ctx); err != nil {
			return fmt.Errorf("starting source %s: %w", src.Name(), err)
		}

		p.log.WithField("source", src.Name()).Info("Source started")
	}

	p.log.Info("Pipeline fully started")

	return nil
}

// Shutdown stops the pipeline: sources first so recording quiesces,
// then the scheduler with one final forced export, then the stream,
// sender, and health server. Idempotent; a second call is a no-op.
// Returns ErrShutdownTimeout if ctx expires before the flush
// completes; the remaining teardown continues in the background.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan error, 1)

	go func() {
		done <- p.stop(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrShutdownTimeout
	}
}

func (p *Pipeline) stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	var errs []error

	for _, src := range p.sources {
		if err := src.Stop(); err != nil {
			p.log.WithError(err).WithField("source", src.Name()).
				Error("Error stopping source")

			errs = append(errs, fmt.Errorf("stopping source %s: %w", src.Name(), err))
		}
	}

	if err := p.sched.Stop(ctx); err != nil {
		p.log.WithError(err).Error("Final export failed")

		errs = append(errs, err)
	}

	if p.cfg.Checkpoint.Path != "" {
		if err := p.acc.SaveCheckpoint(p.cfg.Checkpoint.Path); err != nil {
			p.log.WithError(err).Warn("Checkpoint save failed")
		}
	}

	if p.stream != nil {
		if err := p.stream.Stop(); err != nil {
			p.log.WithError(err).Error("Error stopping record stream")

			errs = append(errs, err)
		}
	}

	if err := p.batcher.Stop(); err != nil {
		p.log.WithError(err).Error("Error stopping sender")

		errs = append(errs, err)
	}

	p.health.Stop()

	p.log.Info("Pipeline stopped")

	return errors.Join(errs...)
}

// snapshot captures current totals and updates the series gauge.
func (p *Pipeline) snapshot() []meter.Point {
	points := p.acc.Snapshot()

	p.health.SeriesTracked.Set(float64(len(points)))

	return points
}

// export transmits one snapshot and persists the checkpoint.
func (p *Pipeline) export(ctx context.Context, points []meter.Point) error {
	err := p.batcher.Export(ctx, points)

	if p.cfg.Checkpoint.Path != "" {
		if saveErr := p.acc.SaveCheckpoint(p.cfg.Checkpoint.Path); saveErr != nil {
			p.log.WithError(saveErr).Warn("Checkpoint save failed")
		}
	}

	return err
}
