package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"manifold-etl/internal/clock"
	"manifold-etl/internal/metrics"
)

// ErrUnsatisfiable is returned when a permit can never be granted (zero burst).
var ErrUnsatisfiable = errors.New("ratelimit: permit can never be granted")

// Options parameterise the token bucket.
type Options struct {
	RequestsPerSecond float64
	Burst             int
}

// Limiter is the process-wide request budget shared by every worker.
//
// Permits are reserved under the limiter's lock in arrival order and the caller sleeps
// outside of it, so the critical section is a single check-and-decrement and callers are
// served first-come-first-served.
type Limiter struct {
	// mu orders clock reads with reservations so the bucket never sees time go backwards.
	mu     sync.Mutex
	bucket *rate.Limiter
	clock  clock.Clock
}

// New constructs a Limiter. A non-positive rate disables limiting.
func New(opts Options, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(limit, burst), clock: clk}
}

// Reserve takes the next permit and returns how long the caller must wait before using it.
func (l *Limiter) Reserve() (time.Duration, error) {
	_, _, delay, err := l.reserve()
	return delay, err
}

// Wait blocks until a permit is available. The permit is handed back if ctx ends first.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r, _, delay, err := l.reserve()
	if err != nil {
		return err
	}
	metrics.RateLimitWait.Observe(delay.Seconds())
	if delay == 0 {
		return nil
	}

	if err := l.clock.Sleep(ctx, delay); err != nil {
		l.mu.Lock()
		r.CancelAt(l.clock.Now())
		l.mu.Unlock()
		return fmt.Errorf("wait for permit: %w", err)
	}
	return nil
}

// reserve is the only critical section: read the clock and take one token.
// It returns the reservation time and the delay from it.
func (l *Limiter) reserve() (*rate.Reservation, time.Time, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	r := l.bucket.ReserveN(now, 1)
	if !r.OK() {
		return nil, now, 0, ErrUnsatisfiable
	}
	return r, now, r.DelayFrom(now), nil
}
