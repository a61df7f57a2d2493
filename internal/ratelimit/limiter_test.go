package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold-etl/internal/clock"
)

func TestReserveNeverExceedsRate(t *testing.T) {
	cases := []struct {
		name     string
		capacity int
		rate     float64
		callers  int
	}{
		{name: "burst one", capacity: 1, rate: 10, callers: 25},
		{name: "burst five", capacity: 5, rate: 4, callers: 40},
		{name: "manifold default", capacity: 1, rate: 500.0 / 60.0, callers: 30},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
			lim := New(Options{RequestsPerSecond: tc.rate, Burst: tc.capacity}, clk)

			delays := make([]time.Duration, tc.callers)
			var wg sync.WaitGroup
			for i := 0; i < tc.callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					d, err := lim.Reserve()
					require.NoError(t, err)
					delays[i] = d
				}(i)
			}
			wg.Wait()

			sort.Slice(delays, func(i, j int) bool { return delays[i] < delays[j] })
			for n := 1; n <= tc.callers; n++ {
				earliest := time.Duration(float64(n-tc.capacity) / tc.rate * float64(time.Second))
				if earliest < 0 {
					earliest = 0
				}
				assert.GreaterOrEqual(t, delays[n-1], earliest-time.Microsecond, "grant %d came too early", n)
			}

			// No two callers share a slot.
			for n := tc.capacity; n < tc.callers; n++ {
				assert.Greater(t, delays[n], delays[n-1])
			}
		})
	}
}

// tickingClock advances by step on every read, so concurrent callers observe distinct times.
type tickingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *tickingClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestConcurrentGrantsKeepSpacingWithMovingClock(t *testing.T) {
	clk := &tickingClock{now: time.Unix(0, 0), step: time.Millisecond}
	lim := New(Options{RequestsPerSecond: 10, Burst: 1}, clk)

	const callers = 60
	grants := make([]time.Time, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, at, delay, err := lim.reserve()
			require.NoError(t, err)
			grants[i] = at.Add(delay)
		}(i)
	}
	wg.Wait()

	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	for n := 1; n < callers; n++ {
		gap := grants[n].Sub(grants[n-1])
		assert.GreaterOrEqual(t, gap, 100*time.Millisecond-time.Microsecond, "grant %d follows the previous one after %s", n, gap)
	}
}

func TestReserveServesCallersInArrivalOrder(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	lim := New(Options{RequestsPerSecond: 2, Burst: 1}, clk)

	var previous time.Duration = -1
	for i := 0; i < 10; i++ {
		d, err := lim.Reserve()
		require.NoError(t, err)
		assert.Greater(t, d, previous)
		previous = d
	}
}

func TestReserveRefillsOverTime(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	lim := New(Options{RequestsPerSecond: 1, Burst: 2}, clk)

	for i := 0; i < 2; i++ {
		d, err := lim.Reserve()
		require.NoError(t, err)
		assert.Zero(t, d)
	}

	clk.Advance(time.Second)
	d, err := lim.Reserve()
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = lim.Reserve()
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestWaitSleepsOnClock(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	lim := New(Options{RequestsPerSecond: 4, Burst: 1}, clk)

	for i := 0; i < 3; i++ {
		require.NoError(t, lim.Wait(context.Background()))
	}
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, clk.Sleeps())
}

func TestWaitWithRealClockPacesCallers(t *testing.T) {
	lim := New(Options{RequestsPerSecond: 50, Burst: 1}, clock.Real{})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, lim.Wait(context.Background()))
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
}

func TestWaitHonoursCancellation(t *testing.T) {
	lim := New(Options{RequestsPerSecond: 0.1, Burst: 1}, clock.Real{})
	require.NoError(t, lim.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lim.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestZeroRateDisablesLimiting(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	lim := New(Options{}, clk)
	for i := 0; i < 100; i++ {
		require.NoError(t, lim.Wait(context.Background()))
	}
	assert.Empty(t, clk.Sleeps())
}
