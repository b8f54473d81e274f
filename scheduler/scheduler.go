// Package scheduler runs periodic maintenance tasks on one goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrRunning   = errors.New("scheduler already running")
	ErrDuplicate = errors.New("task already registered")
)

// TaskFunc is one run of a periodic task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	next     time.Time

	runs     int64
	failures int64
	lastRun  time.Time
	lastErr  error
}

// TaskStatus is a snapshot of a registered task.
type TaskStatus struct {
	Name     string
	Interval time.Duration
	Runs     int64
	Failures int64
	LastRun  time.Time
	LastErr  error
}

// Runner executes registered tasks sequentially, each at its own interval.
// Tasks run one at a time on a single goroutine, so a slow task delays the
// others but never overlaps itself.
type Runner struct {
	mu      sync.Mutex
	tasks   []*task
	logger  *slog.Logger
	now     func() time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan string
}

// New creates a Runner. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger:  logger,
		now:     time.Now,
		trigger: make(chan string, 8),
	}
}

// Register adds a task that first runs one interval after Start.
func (r *Runner) Register(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return ErrRunning
	}
	for _, t := range r.tasks {
		if t.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicate, name)
		}
	}
	r.tasks = append(r.tasks, &task{name: name, interval: interval, fn: fn})
	return nil
}

// Start launches the runner goroutine. It stops when ctx ends or Stop is
// called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return ErrRunning
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	now := r.now()
	for _, t := range r.tasks {
		t.next = now.Add(t.interval)
	}
	go r.loop(ctx, r.done)
	r.logger.Info("scheduler started", "tasks", len(r.tasks))
	return nil
}

// Trigger asks the runner to run the named task as soon as possible. It
// never blocks; a request is dropped when the queue is full.
func (r *Runner) Trigger(name string) {
	select {
	case r.trigger <- name:
	default:
		r.logger.Warn("scheduler trigger dropped", "task", name)
	}
}

// Stop cancels the runner and waits for the current task to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status returns a snapshot of every task, ordered by name.
func (r *Runner) Status() []TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskStatus, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, TaskStatus{
			Name:     t.name,
			Interval: t.interval,
			Runs:     t.runs,
			Failures: t.failures,
			LastRun:  t.lastRun,
			LastErr:  t.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, ok := r.untilNext()
		if !ok {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			r.logger.Info("scheduler stopped")
			return
		case name := <-r.trigger:
			if t := r.lookup(name); t != nil {
				r.run(ctx, t)
			} else {
				r.logger.Warn("scheduler trigger for unknown task", "task", name)
			}
		case <-timer.C:
			for _, t := range r.due() {
				if ctx.Err() != nil {
					return
				}
				r.run(ctx, t)
			}
		}
	}
}

func (r *Runner) untilNext() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) == 0 {
		return 0, false
	}
	earliest := r.tasks[0].next
	for _, t := range r.tasks[1:] {
		if t.next.Before(earliest) {
			earliest = t.next
		}
	}
	wait := earliest.Sub(r.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (r *Runner) due() []*task {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out []*task
	for _, t := range r.tasks {
		if !t.next.After(now) {
			out = append(out, t)
		}
	}
	return out
}

func (r *Runner) lookup(name string) *task {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.name == name {
			return t
		}
	}
	return nil
}

func (r *Runner) run(ctx context.Context, t *task) {
	start := r.now()
	err := safeRun(ctx, t.fn)

	r.mu.Lock()
	t.runs++
	t.lastRun = start
	t.lastErr = err
	if err != nil {
		t.failures++
	}
	t.next = r.now().Add(t.interval)
	r.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("scheduled task failed", "task", t.name, "err", err)
		return
	}
	r.logger.Debug("scheduled task ran", "task", t.name, "duration", r.now().Sub(start))
}

func safeRun(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return fn(ctx)
}
