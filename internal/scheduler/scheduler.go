package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// defaultPollInterval is how often the poller checks for due tasks.
const defaultPollInterval = time.Second

// ErrIntervalRequired rejects recurring tasks without a repeat rule.
var ErrIntervalRequired = errors.New("scheduler: recurring task needs interval or cron expression")

// Scheduler polls for due tasks and dispatches their callbacks. One
// task's failure never halts the poller or its batch-mates.
type Scheduler struct {
	client    Client
	callbacks *CallbackRegistry
	log       *slog.Logger
	interval  time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	running  map[string]struct{}
	inflight sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPollInterval overrides the 1s poll cadence.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

func New(client Client, callbacks *CallbackRegistry, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		client:    client,
		callbacks: callbacks,
		log:       slog.Default(),
		interval:  defaultPollInterval,
		running:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule validates and persists a task. Recurring tasks need an
// interval or a cron expression; schedule times are normalized to UTC
// with the zone stripped to match server-side comparisons.
func (s *Scheduler) Schedule(ctx context.Context, task *Task) (string, error) {
	if task.Recurring() && task.IntervalSec <= 0 && task.CronExpr == "" {
		return "", ErrIntervalRequired
	}
	if task.CronExpr != "" && !gronx.New().IsValid(task.CronExpr) {
		return "", fmt.Errorf("scheduler: invalid cron expression %q", task.CronExpr)
	}
	if _, err := s.callbacks.mustGet(task.Callback); err != nil {
		return "", err
	}
	if task.ScheduleTime.IsZero() {
		task.ScheduleTime = time.Now()
	}
	task.ScheduleTime = naiveUTC(task.ScheduleTime)
	task.IsCompleted = false
	task.CompletedAt = nil
	return s.client.Create(ctx, task)
}

// naiveUTC strips the timezone after converting to UTC.
func naiveUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second(), u.Nanosecond(), time.UTC)
}

// Start launches the poller. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.poll(runCtx)
}

// Stop cancels the poller. In-flight callbacks are allowed to finish,
// best-effort.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	finished := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		s.log.Warn("stopping with callbacks still in flight")
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.client.Due(ctx, naiveUTC(time.Now()))
	if err != nil {
		s.log.Warn("due-task fetch failed", "error", err)
		return
	}
	for _, task := range due {
		// A task stays claimed until its write-back lands, so a fast
		// poll cadence cannot double-fire it.
		s.mu.Lock()
		if _, busy := s.running[task.ID]; busy {
			s.mu.Unlock()
			continue
		}
		s.running[task.ID] = struct{}{}
		s.mu.Unlock()

		s.inflight.Add(1)
		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.running, task.ID)
				s.mu.Unlock()
				s.inflight.Done()
			}()
			// Callbacks outlive a Stop; only process exit kills them.
			s.dispatch(context.WithoutCancel(ctx), task)
		}()
	}
}

// dispatch runs one task's callback and writes back the outcome. A
// recurring task advances its schedule on success and failure alike and
// is never marked completed.
func (s *Scheduler) dispatch(ctx context.Context, task Task) {
	err := s.invoke(ctx, &task)
	if err != nil {
		task.Error = err.Error()
		s.log.Warn("task failed", "task", task.ID, "callback", task.Callback, "error", err)
	} else {
		task.Error = ""
	}

	if task.Recurring() {
		task.ScheduleTime = s.nextFire(task)
	} else {
		task.IsCompleted = true
		done := naiveUTC(time.Now())
		task.CompletedAt = &done
	}

	if uerr := s.client.Update(ctx, task); uerr != nil {
		s.log.Warn("task update failed", "task", task.ID, "error", uerr)
	}
}

// invoke resolves and runs the callback, converting a panic into an
// error so the outcome still gets written back.
func (s *Scheduler) invoke(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
			s.log.Error("task callback panicked", "task", task.ID, "panic", r)
		}
	}()
	fn, err := s.callbacks.mustGet(task.Callback)
	if err != nil {
		return err
	}
	return fn(ctx, task)
}

// nextFire computes a recurring task's next schedule time, always in
// the future.
func (s *Scheduler) nextFire(task Task) time.Time {
	now := naiveUTC(time.Now())
	if task.CronExpr != "" {
		next, err := gronx.NextTickAfter(task.CronExpr, now, false)
		if err == nil {
			return naiveUTC(next)
		}
		s.log.Warn("cron evaluation failed", "task", task.ID, "expr", task.CronExpr, "error", err)
	}
	interval := time.Duration(task.IntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	next := task.ScheduleTime.Add(interval)
	if !next.After(now) {
		next = now.Add(interval)
	}
	return next
}
