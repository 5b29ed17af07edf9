// Package sched runs the supervisor's periodic tasks.
//
// Tasks use fixed-delay scheduling: the next wait starts when the previous
// run finishes, so a slow pass delays the next rather than stacking up. A
// per-task running flag additionally guards against overlap from forced
// out-of-band runs. Shutdown is bounded: Stop cancels every loop and waits
// up to the given grace for in-flight passes to finish.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Interval is a task period that another task may retune at runtime.
type Interval struct {
	nanos atomic.Int64
}

// NewInterval creates an interval with a starting period.
func NewInterval(d time.Duration) *Interval {
	iv := &Interval{}
	iv.nanos.Store(int64(d))
	return iv
}

// Get returns the current period.
func (iv *Interval) Get() time.Duration { return time.Duration(iv.nanos.Load()) }

// Set swaps the period. The running loop picks it up on its next wait.
func (iv *Interval) Set(d time.Duration) { iv.nanos.Store(int64(d)) }

// Task is one periodic job.
type Task struct {
	Name      string
	fn        func(ctx context.Context)
	next      func(now time.Time) time.Duration
	running   atomic.Bool
	immediate bool
}

// TryRun executes the task body unless a pass is already in flight.
// Returns false when skipped.
func (t *Task) TryRun(ctx context.Context) bool {
	if !t.running.CompareAndSwap(false, true) {
		return false
	}
	defer t.running.Store(false)
	t.fn(ctx)
	return true
}

// Runner hosts the task loops.
type Runner struct {
	logger *slog.Logger
	tasks  []*Task
	byName map[string]*Task

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRunner creates an empty runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logger.With("component", "sched"),
		byName: make(map[string]*Task),
	}
}

// Every registers a fixed-delay task. The first run happens immediately on
// Start, then after each completed run the loop waits d.
func (r *Runner) Every(name string, d time.Duration, fn func(ctx context.Context)) *Task {
	return r.add(&Task{
		Name:      name,
		fn:        fn,
		next:      func(time.Time) time.Duration { return d },
		immediate: true,
	})
}

// EveryDynamic registers a fixed-delay task whose period is read from iv
// before every wait.
func (r *Runner) EveryDynamic(name string, iv *Interval, fn func(ctx context.Context)) *Task {
	return r.add(&Task{
		Name:      name,
		fn:        fn,
		next:      func(time.Time) time.Duration { return iv.Get() },
		immediate: true,
	})
}

// DailyAt registers a task that runs once a day at the given UTC wall time.
func (r *Runner) DailyAt(name string, hour, minute int, fn func(ctx context.Context)) *Task {
	return r.add(&Task{
		Name: name,
		fn:   fn,
		next: func(now time.Time) time.Duration {
			now = now.UTC()
			at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
			if !at.After(now) {
				at = at.Add(24 * time.Hour)
			}
			return at.Sub(now)
		},
	})
}

func (r *Runner) add(t *Task) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	r.byName[t.Name] = t
	return t
}

// Lookup returns a registered task by name, for forced out-of-band runs.
func (r *Runner) Lookup(name string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byName[name]
	return t, ok
}

// Start launches one goroutine per task. Idempotent.
func (r *Runner) Start(parent context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	for _, t := range r.tasks {
		r.wg.Add(1)
		go r.loop(ctx, t)
	}
	r.logger.Info("scheduler started", "tasks", len(r.tasks))
}

func (r *Runner) loop(ctx context.Context, t *Task) {
	defer r.wg.Done()

	if t.immediate {
		t.TryRun(ctx)
	}
	timer := time.NewTimer(t.next(time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !t.TryRun(ctx) {
				r.logger.Warn("task still running, tick skipped", "task", t.Name)
			}
			timer.Reset(t.next(time.Now()))
		}
	}
}

// Stop cancels all loops and waits up to grace for in-flight passes.
// Returns false on timeout.
func (r *Runner) Stop(grace time.Duration) bool {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return true
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("scheduler stopped")
		return true
	case <-time.After(grace):
		r.logger.Warn("scheduler stop timed out", "grace", grace)
		return false
	}
}
