package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"manifold-etl/internal/clock"
)

func TestRunAlignsSlots(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 17, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	s := New(Options{Interval: time.Hour, AlignToInterval: true}, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var slots []time.Time
	err := s.Run(ctx, func(_ context.Context, slot time.Time) error {
		slots = append(slots, slot)
		if len(slots) == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}

	want := []time.Time{
		time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC),
	}
	if len(slots) != len(want) {
		t.Fatalf("期望 %d 次触发，实际 %d", len(want), len(slots))
	}
	for i := range want {
		if !slots[i].Equal(want[i]) {
			t.Fatalf("第 %d 次触发时间错误: %s", i, slots[i])
		}
	}
	if got := clk.Sleeps()[0]; got != 43*time.Minute {
		t.Fatalf("首次等待应为 43m，实际 %s", got)
	}
}

func TestRunImmediatelyAndStartupDelay(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	s := New(Options{Interval: 24 * time.Hour, StartupDelay: 5 * time.Second, RunImmediately: true}, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var slots []time.Time
	_ = s.Run(ctx, func(_ context.Context, slot time.Time) error {
		slots = append(slots, slot)
		if len(slots) == 2 {
			cancel()
		}
		return nil
	})

	if len(slots) != 2 {
		t.Fatalf("期望 2 次触发，实际 %d", len(slots))
	}
	if !slots[0].Equal(start.Add(5 * time.Second)) {
		t.Fatalf("立即执行的时间错误: %s", slots[0])
	}
	if !slots[1].Equal(slots[0].Add(24 * time.Hour)) {
		t.Fatalf("第二次触发应间隔 24h: %s", slots[1])
	}
}

func TestTickErrorDoesNotStopScheduler(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	s := New(Options{Interval: time.Minute}, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	_ = s.Run(ctx, func(context.Context, time.Time) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("boom")
	})
	if calls != 2 {
		t.Fatalf("失败的 tick 不应终止调度，实际调用 %d 次", calls)
	}
}

func TestOverrunSkipsMissedSlots(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	s := New(Options{Interval: time.Hour, AlignToInterval: true}, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var slots []time.Time
	_ = s.Run(ctx, func(_ context.Context, slot time.Time) error {
		slots = append(slots, slot)
		if len(slots) == 1 {
			clk.Advance(150 * time.Minute)
			return nil
		}
		cancel()
		return nil
	})

	if len(slots) != 2 {
		t.Fatalf("期望 2 次触发，实际 %d", len(slots))
	}
	want := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)
	if !slots[1].Equal(want) {
		t.Fatalf("超时后应跳到 %s，实际 %s", want, slots[1])
	}
}
