package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mcprunner/internal/eventbus"
	logx "mcprunner/pkg/logx"
)

func noop(context.Context, Args) (any, error) { return nil, nil }

func TestRunnerRepeatCount(t *testing.T) {
	r := newTestRunner(t, Config{})

	var calls atomic.Int32
	run, err := r.Run("tick", func(context.Context, Args) (any, error) {
		calls.Add(1)
		return nil, nil
	}, WithSchedule("0.1s"), WithRepeat(RepeatTimes(3)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run != nil {
		t.Fatalf("expected no immediate run for a MANUAL trigger")
	}

	task, err := r.Task("tick")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return task.Len() == 3 && !task.Scheduled() })

	time.Sleep(350 * time.Millisecond)
	if task.Len() != 3 {
		t.Fatalf("expected exactly 3 runs, got %d", task.Len())
	}
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 3 })
	if n := len(r.Schedules()); n != 0 {
		t.Fatalf("expected schedule entry to be removed, got %d", n)
	}
}

func TestRunnerOnStartCountsTowardRepeat(t *testing.T) {
	r := newTestRunner(t, Config{})

	run, err := r.Run("boot", noop, WithSchedule("0.1s"), WithRepeat(RepeatTimes(2)), WithTrigger(TriggerOnStart))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run == nil {
		t.Fatalf("expected ON_START to dispatch immediately")
	}
	task, _ := r.Task("boot")
	waitFor(t, 3*time.Second, func() bool { return task.Len() == 2 && !task.Scheduled() })
	time.Sleep(250 * time.Millisecond)
	if task.Len() != 2 {
		t.Fatalf("expected 2 runs, got %d", task.Len())
	}
}

func TestRunnerOnStartSingleBudget(t *testing.T) {
	r := newTestRunner(t, Config{})

	run, err := r.Run("once", noop, WithSchedule("1h"), WithRepeat(RepeatTimes(1)), WithTrigger(TriggerOnStart))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run == nil {
		t.Fatalf("expected immediate run")
	}
	task, _ := r.Task("once")
	if task.Scheduled() {
		t.Fatalf("expected budget of 1 to be spent by the ON_START run")
	}
	if n := len(r.Schedules()); n != 0 {
		t.Fatalf("expected no schedule entries, got %d", n)
	}
}

func TestRunnerStopAndRearm(t *testing.T) {
	r := newTestRunner(t, Config{})

	if _, err := r.Run("always", noop, WithSchedule("0.05s"), WithRepeat(RepeatAlways)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	task, _ := r.Task("always")
	waitFor(t, 2*time.Second, func() bool { return task.Len() >= 2 })

	if st, _ := r.GetTaskStatus("always"); st != StatusRunning {
		t.Fatalf("expected RUNNING while scheduled, got %s", st)
	}
	if err := r.Stop("always"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	n := task.Len()
	time.Sleep(200 * time.Millisecond)
	if task.Len() != n {
		t.Fatalf("expected no dispatch after stop, got %d then %d", n, task.Len())
	}
	if task.Remaining() != 0 {
		t.Fatalf("expected no remaining budget once stopped")
	}

	// Calling again re-arms the schedule.
	if _, err := r.Run("always", noop); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !task.Scheduled() || task.Remaining() != -1 {
		t.Fatalf("expected task re-armed with unlimited budget")
	}
	if err := r.CancelSchedule("always"); err != nil {
		t.Fatalf("CancelSchedule: %v", err)
	}
	if task.Scheduled() {
		t.Fatalf("expected schedule cancelled")
	}
}

func TestRunnerReusesTaskConfiguration(t *testing.T) {
	r := newTestRunner(t, Config{})

	first, err := r.Run("reuse", func(_ context.Context, a Args) (any, error) { return a.Positional[0], nil }, WithArgs("a"), WithKeep(7))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second, err := r.Run("reuse", noop, WithArgs("b"), WithKeep(1), WithSchedule("1s"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	task, _ := r.Task("reuse")
	if cfg := task.Config(); cfg.Keep != 7 || cfg.Schedule != "" {
		t.Fatalf("expected first configuration to stick, got %+v", cfg)
	}
	if got := waitRun(t, first).Result; got != "a" {
		t.Fatalf("expected a, got %v", got)
	}
	if got := waitRun(t, second).Result; got != "b" {
		t.Fatalf("expected the original callable with new args, got %v", got)
	}

	if _, err := r.Command("true", WithAlias("reuse")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for kind mismatch, got %v", err)
	}
}

func TestRunnerValidation(t *testing.T) {
	r := newTestRunner(t, Config{})

	tests := []struct {
		name string
		opts []Option
	}{
		{"repeat without schedule", []Option{WithRepeat(RepeatAlways)}},
		{"bad schedule", []Option{WithSchedule("whenever"), WithRepeat(RepeatTimes(2))}},
		{"bad timeout", []Option{WithTimeout("soon")}},
		{"negative timeout", []Option{WithTimeout("-1s")}},
		{"bad max age", []Option{WithMaxAge("old")}},
		{"negative keep", []Option{WithKeep(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Run("v-"+tt.name, noop, tt.opts...); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if _, err := r.Task("v-" + tt.name); !errors.Is(err, ErrUnknownTask) {
				t.Fatalf("expected no task registered, got %v", err)
			}
		})
	}
}

func TestRunnerUnknownLookups(t *testing.T) {
	r := newTestRunner(t, Config{})

	if _, err := r.GetTaskUpdate("missing", 1); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	if err := r.Stop("missing"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	if _, err := r.Run("known", noop); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := r.GetRunStatus("known", 12345); !errors.Is(err, ErrUnknownRun) {
		t.Fatalf("expected ErrUnknownRun, got %v", err)
	}
	if err := r.CancelRun("known", 12345); !errors.Is(err, ErrUnknownRun) {
		t.Fatalf("expected ErrUnknownRun, got %v", err)
	}
}

func TestRunnerCleanupLoop(t *testing.T) {
	r := newTestRunner(t, Config{CleanupInterval: 20 * time.Millisecond})

	var last *Run
	for i := 0; i < 4; i++ {
		run, err := r.Run("trim", noop, WithKeep(1))
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		waitRun(t, run)
		last = run
	}
	task, _ := r.Task("trim")
	waitFor(t, 2*time.Second, func() bool { return task.Len() == 1 })
	if _, err := task.Run(last.ID()); err != nil {
		t.Fatalf("expected most recent run retained: %v", err)
	}
	if r.Stats().Loops.Active != 1 {
		t.Fatalf("expected one cleanup loop, got %+v", r.Stats().Loops)
	}
}

func TestRunnerPublishesEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	r, err := New(Config{}, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Abort()

	run, err := r.Run("events", noop)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitRun(t, run)

	want := []string{eventbus.TypeTaskRegistered, eventbus.TypeRunCreated, eventbus.TypeRunStarted, eventbus.TypeRunFinished}
	timeout := time.After(2 * time.Second)
	for _, typ := range want {
		select {
		case ev := <-ch:
			if ev.Type != typ {
				t.Fatalf("expected %s, got %s", typ, ev.Type)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

type recordingAuditor struct {
	entries chan AuditEntry
}

func (a *recordingAuditor) Audit(_ context.Context, e AuditEntry) error {
	a.entries <- e
	return nil
}

func TestRunnerShutdown(t *testing.T) {
	r, err := New(Config{ShutdownGrace: 50 * time.Millisecond}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	aud := &recordingAuditor{entries: make(chan AuditEntry, 8)}
	r.SetAuditor(aud)

	run, err := r.Run("forever", blockUntilDone)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := r.Run("ticker", noop, WithSchedule("0.05s"), WithRepeat(RepeatAlways)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, 2*time.Second, run.Running)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if st := run.Status(); st != StatusCancelled {
		t.Fatalf("expected lingering run cancelled, got %s", st)
	}
	if _, err := r.Run("late", noop); !errors.Is(err, ErrRunnerClosed) {
		t.Fatalf("expected ErrRunnerClosed, got %v", err)
	}
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if e := <-aud.entries; e.Action != "shutdown" {
		t.Fatalf("expected shutdown audit entry, got %+v", e)
	}
}

func TestRunnerAbort(t *testing.T) {
	r, err := New(Config{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run, err := r.RunAsync("forever", blockUntilDone)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, 2*time.Second, run.Running)

	r.Abort()
	if st := run.Status(); st != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", st)
	}
	if !r.Stats().Pool.Closed {
		t.Fatalf("expected pool closed")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []Config{
		{InstanceID: -1},
		{InstanceID: idMaxInstance + 1},
		{Executor: "fiber"},
	}
	for _, cfg := range tests {
		if _, err := New(cfg, logx.Nop(), nil); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected ErrInvalidConfig for %+v, got %v", cfg, err)
		}
	}
}
