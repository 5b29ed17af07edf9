package sched

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRunner() *Runner {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewRunner(logger)
}

func TestIntervalSwap(t *testing.T) {
	t.Parallel()

	iv := NewInterval(time.Minute)
	if got := iv.Get(); got != time.Minute {
		t.Errorf("Get() = %v, want 1m", got)
	}
	iv.Set(15 * time.Second)
	if got := iv.Get(); got != 15*time.Second {
		t.Errorf("Get() after Set = %v, want 15s", got)
	}
}

func TestTryRunSkipsOverlap(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{})
	task := &Task{
		Name: "slow",
		fn: func(context.Context) {
			close(entered)
			<-release
		},
	}

	go task.TryRun(context.Background())
	<-entered

	if task.TryRun(context.Background()) {
		t.Error("TryRun should skip while a pass is in flight")
	}
	close(release)
}

func TestEveryRunsImmediatelyThenWaits(t *testing.T) {
	t.Parallel()

	r := newTestRunner()
	var runs atomic.Int32
	r.Every("tick", 5*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	r.Start(context.Background())
	defer r.Stop(time.Second)

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d runs before deadline, want >= 3", runs.Load())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestEveryDynamicPicksUpNewPeriod(t *testing.T) {
	t.Parallel()

	r := newTestRunner()
	iv := NewInterval(time.Hour)
	var runs atomic.Int32
	r.EveryDynamic("dyn", iv, func(context.Context) {
		runs.Add(1)
	})

	r.Start(context.Background())
	defer r.Stop(time.Second)

	// The immediate pass fires, then the loop sleeps on the hour-long
	// period read at wait time.
	deadline := time.After(2 * time.Second)
	for runs.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("immediate run never happened")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d while the period is an hour, want 1", got)
	}
}

func TestDailyAtNextDuration(t *testing.T) {
	t.Parallel()

	r := newTestRunner()
	task := r.DailyAt("daily", 2, 0, func(context.Context) {})

	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"before today's slot", time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC), time.Hour},
		{"exactly at the slot", time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC), 24 * time.Hour},
		{"after today's slot", time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC), 12 * time.Hour},
	}
	for _, tt := range tests {
		if got := task.next(tt.now); got != tt.want {
			t.Errorf("%s: next(%v) = %v, want %v", tt.name, tt.now, got, tt.want)
		}
	}
}

func TestLookupAndStopIdempotence(t *testing.T) {
	t.Parallel()

	r := newTestRunner()
	r.Every("a", time.Hour, func(context.Context) {})

	if _, ok := r.Lookup("a"); !ok {
		t.Error("Lookup(a) should find the registered task")
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("Lookup(missing) should fail")
	}

	// Stop before Start is a no-op that reports success.
	if !r.Stop(time.Second) {
		t.Error("Stop before Start should return true")
	}

	r.Start(context.Background())
	r.Start(context.Background()) // idempotent
	if !r.Stop(time.Second) {
		t.Error("Stop should return true once loops exit")
	}
}
