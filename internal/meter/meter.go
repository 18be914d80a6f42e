// Package meter accumulates monotonic counter increments into
// per-series totals, keyed by instrument identity and label set.
package meter

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ErrInvalidDelta is returned when a recorded delta is negative.
var ErrInvalidDelta = errors.New("delta must be non-negative")

// Record is a single accepted increment, as seen by record observers.
type Record struct {
	Instrument Instrument
	Labels     attribute.Set
	Delta      int64
	Time       time.Time
}

// seriesKey identifies one series: instrument identity plus the
// order-insensitive label set key.
type seriesKey struct {
	inst   Instrument
	labels attribute.Distinct
}

// series holds the state of one counter series. The value is atomic so
// concurrent recorders never block each other once the series exists.
type series struct {
	inst   Instrument
	labels attribute.Set
	start  time.Time
	value  atomic.Int64
}

// Accumulator aggregates counter increments per unique series. It is
// safe for concurrent use: lookups take a read lock, series creation
// uses double-checked locking, and value updates are atomic.
type Accumulator struct {
	log logrus.FieldLogger

	mu     sync.RWMutex
	series map[seriesKey]*series

	// onRecord observers are invoked synchronously for every accepted
	// increment, onReject for every rejected one. Register before
	// recording starts.
	onRecord []func(Record)
	onReject []func(error)
}

// New creates an empty Accumulator.
func New(log logrus.FieldLogger) *Accumulator {
	return &Accumulator{
		log:    log.WithField("component", "meter"),
		series: make(map[seriesKey]*series, 64),
	}
}

// Counter returns a recording handle for the given instrument.
func (a *Accumulator) Counter(inst Instrument) *Counter {
	return &Counter{acc: a, inst: inst}
}

// OnRecord registers an observer for accepted increments. Not safe to
// call concurrently with Record.
func (a *Accumulator) OnRecord(fn func(Record)) {
	a.onRecord = append(a.onRecord, fn)
}

// OnReject registers an observer for rejected increments. Not safe to
// call concurrently with Record.
func (a *Accumulator) OnReject(fn func(error)) {
	a.onReject = append(a.onReject, fn)
}

// Record adds delta to the series identified by the instrument and
// label set. Negative deltas are rejected with ErrInvalidDelta and
// leave all state unchanged.
func (a *Accumulator) Record(inst Instrument, delta int64, labels ...attribute.KeyValue) error {
	if delta < 0 {
		err := fmt.Errorf("recording %q delta %d: %w", inst.Name, delta, ErrInvalidDelta)

		for _, fn := range a.onReject {
			fn(err)
		}

		return err
	}

	set := attribute.NewSet(labels...)

	s := a.getOrCreateSeries(inst, set)
	s.value.Add(delta)

	if len(a.onRecord) > 0 {
		rec := Record{
			Instrument: inst,
			Labels:     set,
			Delta:      delta,
			Time:       time.Now(),
		}

		for _, fn := range a.onRecord {
			fn(rec)
		}
	}

	return nil
}

// getOrCreateSeries returns the series for the given key, creating it
// if it doesn't exist. Uses double-checked locking.
func (a *Accumulator) getOrCreateSeries(inst Instrument, set attribute.Set) *series {
	key := seriesKey{inst: inst, labels: set.Equivalent()}

	a.mu.RLock()
	s, ok := a.series[key]
	a.mu.RUnlock()

	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring write lock.
	if s, ok = a.series[key]; ok {
		return s
	}

	s = &series{
		inst:   inst,
		labels: set,
		start:  time.Now(),
	}
	a.series[key] = s

	return s
}

// Snapshot returns the current totals of all series in deterministic
// order. The returned points are copies; concurrent recording never
// mutates them.
func (a *Accumulator) Snapshot() []Point {
	now := time.Now()

	a.mu.RLock()

	points := make([]Point, 0, len(a.series))
	for _, s := range a.series {
		points = append(points, Point{
			Instrument: s.inst,
			Labels:     s.labels,
			Value:      s.value.Load(),
			StartTime:  s.start,
			Time:       now,
		})
	}

	a.mu.RUnlock()

	sortPoints(points)

	return points
}

// SeriesCount returns the number of distinct series observed so far.
func (a *Accumulator) SeriesCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return len(a.series)
}

// Counter is a recording handle bound to one instrument.
type Counter struct {
	acc  *Accumulator
	inst Instrument
}

// Add records a non-negative increment under the given labels.
func (c *Counter) Add(delta int64, labels ...attribute.KeyValue) error {
	return c.acc.Record(c.inst, delta, labels...)
}

// Instrument returns the instrument this counter records to.
func (c *Counter) Instrument() Instrument {
	return c.inst
}
