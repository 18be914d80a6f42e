package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterpipe/meterpipe/internal/meter"
)

func testLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// fakeClock drives tickers manually. Tick delivery mirrors time.Ticker:
// a tick that arrives while the previous one is still pending is dropped.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTicker{ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)

	return t
}

// Tick advances the clock and fires all tickers without blocking.
func (c *fakeClock) Tick(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := c.tickers
	c.mu.Unlock()

	for _, t := range tickers {
		select {
		case t.ch <- now:
		default:
		}
	}
}

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() { t.stopped.Store(true) }

func somePoints(n int) []meter.Point {
	points := make([]meter.Point, n)
	for i := range points {
		points[i] = meter.Point{
			Instrument: meter.Instrument{Name: "work_done", Unit: "1"},
			Value:      int64(i + 1),
		}
	}

	return points
}

func TestNew_InvalidInterval(t *testing.T) {
	_, err := New(testLog(), 0, nil, func() []meter.Point { return nil }, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval must be positive")
}

func TestScheduler_TicksExport(t *testing.T) {
	clock := newFakeClock()

	var (
		mu      sync.Mutex
		batches [][]meter.Point
	)

	exportFn := func(_ context.Context, points []meter.Point) error {
		mu.Lock()
		defer mu.Unlock()

		batches = append(batches, points)

		return nil
	}

	s, err := New(testLog(), 5*time.Second, clock, func() []meter.Point { return somePoints(3) }, exportFn, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	clock.Tick(5 * time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Len(t, batches[0], 3)
	mu.Unlock()

	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_SkipsEmptySnapshots(t *testing.T) {
	clock := newFakeClock()

	var exports atomic.Int32

	exportFn := func(context.Context, []meter.Point) error {
		exports.Add(1)

		return nil
	}

	s, err := New(testLog(), time.Second, clock, func() []meter.Point { return nil }, exportFn, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	clock.Tick(time.Second)
	clock.Tick(time.Second)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(0), exports.Load())
}

func TestScheduler_NoOverlappingTicks(t *testing.T) {
	clock := newFakeClock()

	var (
		running  atomic.Int32
		maxSeen  atomic.Int32
		exports  atomic.Int32
		entered  = make(chan struct{}, 16)
		release  = make(chan struct{})
		exportFn = func(context.Context, []meter.Point) error {
			cur := running.Add(1)

			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}

			entered <- struct{}{}
			<-release

			running.Add(-1)
			exports.Add(1)

			return nil
		}
	)

	s, err := New(testLog(), time.Second, clock, func() []meter.Point { return somePoints(1) }, exportFn, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// First tick starts an export that blocks.
	clock.Tick(time.Second)
	<-entered

	// While it runs, one tick buffers and the rest are coalesced.
	clock.Tick(time.Second)
	clock.Tick(time.Second)
	clock.Tick(time.Second)

	release <- struct{}{}
	<-entered
	release <- struct{}{}

	require.Eventually(t, func() bool {
		return exports.Load() == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), maxSeen.Load(), "ticks must never overlap")

	close(release)
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_StopRunsFinalExport(t *testing.T) {
	clock := newFakeClock()

	var (
		mu      sync.Mutex
		batches [][]meter.Point
	)

	exportFn := func(_ context.Context, points []meter.Point) error {
		mu.Lock()
		defer mu.Unlock()

		batches = append(batches, points)

		return nil
	}

	s, err := New(testLog(), time.Hour, clock, func() []meter.Point { return somePoints(2) }, exportFn, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// No tick ever fired; Stop still flushes once and wakes immediately
	// instead of waiting out the hour.
	require.NoError(t, s.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestScheduler_StopIdempotent(t *testing.T) {
	clock := newFakeClock()

	var exports atomic.Int32

	exportFn := func(context.Context, []meter.Point) error {
		exports.Add(1)

		return nil
	}

	s, err := New(testLog(), time.Hour, clock, func() []meter.Point { return somePoints(1) }, exportFn, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, int32(1), exports.Load(), "second Stop must not export again")
}

func TestScheduler_ExportErrorsDoNotStopTicking(t *testing.T) {
	clock := newFakeClock()

	var exports atomic.Int32

	exportFn := func(context.Context, []meter.Point) error {
		exports.Add(1)

		return errors.New("collector unreachable")
	}

	s, err := New(testLog(), time.Second, clock, func() []meter.Point { return somePoints(1) }, exportFn, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	clock.Tick(time.Second)

	require.Eventually(t, func() bool {
		return exports.Load() == 1
	}, time.Second, 5*time.Millisecond)

	clock.Tick(time.Second)

	require.Eventually(t, func() bool {
		return exports.Load() == 2
	}, time.Second, 5*time.Millisecond)

	// The final export on Stop also runs despite prior failures.
	err = s.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final export")
}
