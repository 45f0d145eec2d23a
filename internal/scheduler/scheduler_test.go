package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

func newCacheScheduler(t *testing.T, reg *CallbackRegistry, poll time.Duration) (*Scheduler, *CacheClient) {
	t.Helper()
	cache := store.NewTaskCache(filepath.Join(t.TempDir(), "tasks.json"), nil)
	client := NewCacheClient(cache)
	return New(client, reg, WithPollInterval(poll)), client
}

func TestSchedule_Validation(t *testing.T) {
	reg := NewCallbackRegistry()
	reg.Register("noop", func(context.Context, *Task) error { return nil })
	s, _ := newCacheScheduler(t, reg, time.Second)
	ctx := context.Background()

	if _, err := s.Schedule(ctx, &Task{Instruction: "x", Type: TaskRecurring, Callback: "noop"}); !errors.Is(err, ErrIntervalRequired) {
		t.Errorf("recurring without interval = %v, want ErrIntervalRequired", err)
	}
	if _, err := s.Schedule(ctx, &Task{Instruction: "x", Type: TaskRecurring, Callback: "noop", CronExpr: "not a cron"}); err == nil {
		t.Error("invalid cron accepted")
	}
	if _, err := s.Schedule(ctx, &Task{Instruction: "x", Type: TaskOneShot, Callback: "missing"}); err == nil {
		t.Error("unregistered callback accepted")
	}

	id, err := s.Schedule(ctx, &Task{Instruction: "x", Type: TaskRecurring, Callback: "noop", IntervalSec: 5})
	if err != nil || id == "" {
		t.Fatalf("valid recurring task rejected: %v", err)
	}
}

func TestSchedule_NormalizesToNaiveUTC(t *testing.T) {
	reg := NewCallbackRegistry()
	reg.Register("noop", func(context.Context, *Task) error { return nil })
	s, client := newCacheScheduler(t, reg, time.Second)

	loc := time.FixedZone("EST", -5*3600)
	task := &Task{
		Instruction:  "x",
		Type:         TaskOneShot,
		Callback:     "noop",
		ScheduleTime: time.Date(2026, 3, 1, 10, 0, 0, 0, loc),
	}
	if _, err := s.Schedule(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	due, _ := client.Due(context.Background(), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	if len(due) != 1 {
		t.Fatalf("due tasks = %d", len(due))
	}
	want := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	if !due[0].ScheduleTime.Equal(want) {
		t.Errorf("schedule time = %v, want %v", due[0].ScheduleTime, want)
	}
}

func TestPoller_OneShotCompletes(t *testing.T) {
	fired := make(chan string, 4)
	reg := NewCallbackRegistry()
	reg.Register("record", func(_ context.Context, task *Task) error {
		fired <- task.Instruction
		return nil
	})
	s, client := newCacheScheduler(t, reg, 20*time.Millisecond)

	id, err := s.Schedule(context.Background(), &Task{Instruction: "run once", Type: TaskOneShot, Callback: "record"})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	select {
	case got := <-fired:
		if got != "run once" {
			t.Errorf("fired with %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot task never fired")
	}

	waitFor(t, func() bool {
		due, _ := client.Due(context.Background(), time.Now().Add(time.Hour))
		for _, task := range due {
			if task.ID == id {
				return false
			}
		}
		return true
	})

	// No re-fire after completion.
	select {
	case <-fired:
		t.Error("completed one-shot fired again")
	case <-time.After(150 * time.Millisecond):
	}

	got, ok := client.cache.Get(id)
	if !ok {
		t.Fatal("task missing from cache")
	}
	if !got.Completed {
		t.Error("one-shot task not marked completed")
	}
	if got.CompletedAt == nil {
		t.Error("completed one-shot has no completion time")
	} else if got.CompletedAt.Location() != time.UTC || got.CompletedAt.After(time.Now().UTC()) {
		t.Errorf("completion time %v not a past naive-UTC timestamp", got.CompletedAt)
	}
}

func TestPoller_RecurringKeepsFiring(t *testing.T) {
	var mu sync.Mutex
	var fireTimes []time.Time
	reg := NewCallbackRegistry()
	reg.Register("tick", func(context.Context, *Task) error {
		mu.Lock()
		fireTimes = append(fireTimes, time.Now())
		mu.Unlock()
		return nil
	})
	s, client := newCacheScheduler(t, reg, 50*time.Millisecond)

	id, err := s.Schedule(context.Background(), &Task{
		Instruction: "heartbeat",
		Type:        TaskRecurring,
		Callback:    "tick",
		IntervalSec: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	time.Sleep(3500 * time.Millisecond)
	s.Stop()

	mu.Lock()
	n := len(fireTimes)
	times := append([]time.Time(nil), fireTimes...)
	mu.Unlock()
	if n < 3 {
		t.Fatalf("recurring task fired %d times in 3.5s, want at least 3", n)
	}
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		if gap < 800*time.Millisecond || gap > 1300*time.Millisecond {
			t.Errorf("gap %d = %v, want about 1s", i, gap)
		}
	}

	// Recurring tasks are never completed.
	got, ok := client.cache.Get(id)
	if !ok {
		t.Fatal("task missing from cache")
	}
	if got.Completed {
		t.Error("recurring task marked completed")
	}
}

func TestPoller_FailureIsolation(t *testing.T) {
	okFired := make(chan struct{}, 4)
	reg := NewCallbackRegistry()
	reg.Register("boom", func(context.Context, *Task) error { return errors.New("kaput") })
	reg.Register("panics", func(context.Context, *Task) error { panic("very kaput") })
	reg.Register("fine", func(context.Context, *Task) error {
		okFired <- struct{}{}
		return nil
	})
	s, client := newCacheScheduler(t, reg, 20*time.Millisecond)
	ctx := context.Background()

	boomID, _ := s.Schedule(ctx, &Task{Instruction: "a", Type: TaskOneShot, Callback: "boom"})
	if _, err := s.Schedule(ctx, &Task{Instruction: "b", Type: TaskOneShot, Callback: "panics"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Schedule(ctx, &Task{Instruction: "c", Type: TaskOneShot, Callback: "fine"}); err != nil {
		t.Fatal(err)
	}
	s.Start(ctx)
	defer s.Stop()

	select {
	case <-okFired:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy task starved by failing neighbors")
	}

	// The failing one-shot completes with its error recorded.
	waitFor(t, func() bool {
		got, ok := client.cache.Get(boomID)
		return ok && got.Completed
	})
}

func TestNextFire_AlwaysFuture(t *testing.T) {
	s, _ := newCacheScheduler(t, NewCallbackRegistry(), time.Second)
	stale := Task{
		Type:         TaskRecurring,
		IntervalSec:  1,
		ScheduleTime: time.Now().UTC().Add(-time.Hour),
	}
	next := s.nextFire(stale)
	if !next.After(time.Now().UTC()) {
		t.Errorf("next fire %v not in the future", next)
	}
}

func TestNextFire_Cron(t *testing.T) {
	s, _ := newCacheScheduler(t, NewCallbackRegistry(), time.Second)
	task := Task{Type: TaskRecurring, CronExpr: "*/5 * * * *"}
	next := s.nextFire(task)
	if next.Minute()%5 != 0 {
		t.Errorf("cron next fire %v not on a 5-minute boundary", next)
	}
	if !next.After(time.Now().UTC().Add(-time.Minute)) {
		t.Errorf("cron next fire %v in the past", next)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
