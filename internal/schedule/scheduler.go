package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meterpipe/meterpipe/internal/export"
	"github.com/meterpipe/meterpipe/internal/meter"
)

// SnapshotFunc produces the current totals to export.
type SnapshotFunc func() []meter.Point

// ExportFunc delivers one snapshot downstream.
type ExportFunc func(ctx context.Context, points []meter.Point) error

// Scheduler snapshots and exports on a fixed interval. Ticks run
// strictly sequentially: the export happens on the loop goroutine, so
// a tick that fires while the previous export is still running is
// coalesced by the ticker rather than overlapping it.
type Scheduler struct {
	log      logrus.FieldLogger
	interval time.Duration
	clock    Clock
	snapshot SnapshotFunc
	export   ExportFunc
	health   *export.HealthMetrics

	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// New creates a Scheduler. A nil clock defaults to the system clock.
func New(
	log logrus.FieldLogger,
	interval time.Duration,
	clock Clock,
	snapshot SnapshotFunc,
	exportFn ExportFunc,
	health *export.HealthMetrics,
) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("export interval must be positive, got %s", interval)
	}

	if clock == nil {
		clock = SystemClock()
	}

	return &Scheduler{
		log:      log.WithField("component", "scheduler"),
		interval: interval,
		clock:    clock,
		snapshot: snapshot,
		export:   exportFn,
		health:   health,
		done:     make(chan struct{}),
	}, nil
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	go s.runLoop(ctx)

	s.log.WithField("interval", s.interval).Info("Scheduler started")

	return nil
}

// Stop cancels the tick loop, waits for it to drain, then runs one
// final forced export bounded by ctx. Safe to call more than once;
// only the first call performs the final export.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done

	points := s.snapshot()
	if len(points) == 0 {
		return nil
	}

	if err := s.export(ctx, points); err != nil {
		return fmt.Errorf("final export: %w", err)
	}

	s.log.WithField("points", len(points)).Info("Final export complete")

	return nil
}

// runLoop is the tick loop. Cancellation wakes the select immediately
// rather than waiting out the interval.
func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.tick(ctx)
		}
	}
}

// tick snapshots and exports once. Export failures are reported and
// swallowed; they never stop the loop.
func (s *Scheduler) tick(ctx context.Context) {
	if s.health != nil {
		s.health.TicksTotal.Inc()
	}

	points := s.snapshot()

	if s.health != nil {
		s.health.SnapshotPoints.Observe(float64(len(points)))
	}

	if len(points) == 0 {
		s.log.Debug("Snapshot empty, skipping export")

		return
	}

	start := s.clock.Now()

	if err := s.export(ctx, points); err != nil {
		s.log.WithError(err).Error("Export failed")

		return
	}

	s.log.WithFields(logrus.Fields{
		"points":   len(points),
		"duration": s.clock.Now().Sub(start),
	}).Debug("Exported snapshot")
}
