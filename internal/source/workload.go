package source

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/meterpipe/meterpipe/internal/meter"
)

// WorkloadConfig configures the demo workload.
type WorkloadConfig struct {
	// Iterations is the number of work items to record. Defaults
	// to 100.
	Iterations int `yaml:"iterations"`

	// Interval is the pause between work items. Zero records them
	// back to back.
	Interval time.Duration `yaml:"interval"`
}

// Workload records a fixed number of work_done increments, one unit of
// work per iteration with a unique work.id label.
type Workload struct {
	log     logrus.FieldLogger
	cfg     WorkloadConfig
	counter *meter.Counter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorkload creates a demo workload recording into acc.
func NewWorkload(
	log logrus.FieldLogger,
	cfg WorkloadConfig,
	acc *meter.Accumulator,
) *Workload {
	if cfg.Iterations <= 0 {
		cfg.Iterations = 100
	}

	counter := acc.Counter(meter.Instrument{
		Name:        "work_done",
		Unit:        "1",
		Description: "Counts the amount of work done",
	})

	return &Workload{
		log:     log.WithField("component", "workload"),
		cfg:     cfg,
		counter: counter,
		done:    make(chan struct{}),
	}
}

// Name returns the source name.
func (w *Workload) Name() string {
	return "workload"
}

// Start begins recording work items in the background.
func (w *Workload) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	go w.run(ctx)

	w.log.WithField("iterations", w.cfg.Iterations).
		Info("Workload started")

	return nil
}

func (w *Workload) run(ctx context.Context) {
	defer close(w.done)

	for i := 0; i < w.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			return
		}

		err := w.counter.Add(
			1,
			attribute.String("work.type", "manual"),
			attribute.String("work.id", strconv.Itoa(i)),
		)
		if err != nil {
			w.log.WithError(err).Warn("Recording work item failed")
		}

		if w.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.Interval):
			}
		}
	}

	w.log.WithField("iterations", w.cfg.Iterations).
		Info("Workload complete")
}

// Done returns a channel closed once all iterations have been recorded
// or the workload was stopped.
func (w *Workload) Done() <-chan struct{} {
	return w.done
}

// Stop halts the workload and waits for the recording loop to exit.
func (w *Workload) Stop() error {
	if w.cancel == nil {
		return nil
	}

	w.cancel()
	<-w.done

	return nil
}
