package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"manifold-etl/internal/clock"
)

// TickFunc is invoked for every scheduled slot.
type TickFunc func(ctx context.Context, slot time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// AlignToInterval fires on wall-clock multiples of Interval instead of relative to start.
	AlignToInterval bool
	StartupDelay    time.Duration
	// RunImmediately fires one tick before waiting for the first slot.
	RunImmediately bool
}

// Scheduler drives repeated pipeline runs.
type Scheduler struct {
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, clk clock.Clock, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{opts: opts, clock: clk, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick once per slot until ctx is cancelled.
// A tick that outlasts its interval skips the slots it overran.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.clock.Sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.RunImmediately {
		s.fire(ctx, tick, s.clock.Now().UTC())
	}

	next := s.nextTick(s.clock.Now().UTC())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		if next.Before(now) {
			next = s.nextTick(now)
		}

		s.logger.Debug().Time("next_slot", next).Msg("waiting for next slot")
		if err := s.clock.Sleep(ctx, next.Sub(now)); err != nil {
			return err
		}

		s.fire(ctx, tick, s.slotStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, slot time.Time) {
	s.logger.Info().Time("slot", slot).Msg("executing scheduled tick")
	if err := tick(ctx, slot); err != nil {
		s.logger.Error().Err(err).Time("slot", slot).Msg("tick execution failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToInterval {
		return now.Add(s.opts.Interval)
	}
	slot := now.Truncate(s.opts.Interval)
	if !slot.After(now) {
		slot = slot.Add(s.opts.Interval)
	}
	return slot
}

func (s *Scheduler) slotStart(t time.Time) time.Time {
	if !s.opts.AlignToInterval {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
