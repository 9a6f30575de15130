// Package schedule runs named periodic tasks until their context ends.
//
//	r := schedule.New(logger)
//	r.Add(schedule.Task{Name: "sweep", Interval: 10 * time.Minute, Run: sweep})
//	r.Start(ctx)
//	defer r.Wait()
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration

	// RunOnStart fires the first run after StartDelay instead of waiting a
	// full Interval.
	RunOnStart bool
	StartDelay time.Duration

	Run func(ctx context.Context) error
}

// Stats are point-in-time counters of one task.
type Stats struct {
	Runs         int64         `json:"runs"`
	Errors       int64         `json:"errors"`
	LastDuration time.Duration `json:"last_duration"`
}

type entry struct {
	task   Task
	runs   atomic.Int64
	errors atomic.Int64
	lastNs atomic.Int64
}

// Runner owns a set of tasks. Each task runs in its own goroutine and never
// overlaps with itself.
type Runner struct {
	logger  *slog.Logger
	mu      sync.Mutex
	entries []*entry
	wg      sync.WaitGroup
	started bool
}

// New creates a Runner.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Add registers t. Tasks without Run or with a non-positive Interval are
// rejected. Add after Start is an error.
func (r *Runner) Add(t Task) error {
	if t.Run == nil || t.Interval <= 0 {
		return fmt.Errorf("schedule: task %q needs Run and a positive Interval", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("schedule: task %q added after start", t.Name)
	}
	r.entries = append(r.entries, &entry{task: t})
	return nil
}

// Start launches every task. They stop when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	for _, e := range r.entries {
		e := e
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx, e)
		}()
	}
}

// Wait blocks until every task loop has returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Stats returns counters per task name.
func (r *Runner) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.entries))
	for _, e := range r.entries {
		out[e.task.Name] = Stats{
			Runs:         e.runs.Load(),
			Errors:       e.errors.Load(),
			LastDuration: time.Duration(e.lastNs.Load()),
		}
	}
	return out
}

func (r *Runner) loop(ctx context.Context, e *entry) {
	log := r.logger.With("task", e.task.Name)
	log.Info("schedule: started", "interval", e.task.Interval, "run_on_start", e.task.RunOnStart)

	if e.task.RunOnStart {
		if !sleep(ctx, e.task.StartDelay) {
			log.Info("schedule: stopped")
			return
		}
		r.fire(ctx, log, e)
	}

	ticker := time.NewTicker(e.task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("schedule: stopped")
			return
		case <-ticker.C:
			r.fire(ctx, log, e)
		}
	}
}

func (r *Runner) fire(ctx context.Context, log *slog.Logger, e *entry) {
	start := time.Now()
	err := run(ctx, e.task.Run)
	elapsed := time.Since(start)
	e.runs.Add(1)
	e.lastNs.Store(int64(elapsed))
	if err != nil {
		e.errors.Add(1)
		log.Error("schedule: run failed", "error", err, "duration", elapsed)
		return
	}
	log.Debug("schedule: run complete", "duration", elapsed)
}

// run calls fn and turns a panic into an error so one bad run does not
// kill the loop.
func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
