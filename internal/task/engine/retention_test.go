package engine

import (
	"context"
	"testing"
	"time"
)

func newRetentionTask(t *testing.T, cfg TaskConfig) *Task {
	t.Helper()
	task, err := newTask("retained", Func{Name: "retained", Fn: func(context.Context, Args) (any, error) { return nil, nil }}, cfg, NewIDGenerator(0), newTestDeps(t, 1), nil)
	if err != nil {
		t.Fatalf("newTask: %v", err)
	}
	return task
}

// addRun registers a run in the given state without executing it.
func addRun(task *Task, st Status, ended time.Time) *Run {
	r := newRun(task.ids.Generate(), task.name, task.work, Invocation{}, task.deps)
	r.status = st
	if st.Terminal() {
		r.start = ended.Add(-time.Second)
		r.end = ended
		close(r.done)
	} else {
		r.start = ended
	}
	task.mu.Lock()
	task.runs[r.id] = r
	task.order = append(task.order, r.id)
	task.mu.Unlock()
	return r
}

func retainedIDs(task *Task) map[int64]bool {
	out := map[int64]bool{}
	for _, s := range task.Runs() {
		out[s.RunID] = true
	}
	return out
}

func TestCleanupCountPolicy(t *testing.T) {
	now := time.Now()
	task := newRetentionTask(t, TaskConfig{Keep: 2, KeepPolicy: KeepCount})

	var terminal []*Run
	for i := 0; i < 5; i++ {
		terminal = append(terminal, addRun(task, StatusComplete, now.Add(-time.Duration(5-i)*time.Minute)))
	}
	running := addRun(task, StatusRunning, now)
	pending := addRun(task, StatusPending, now)

	if n := task.Cleanup(now); n != 3 {
		t.Fatalf("expected 3 evictions, got %d", n)
	}
	got := retainedIDs(task)
	if len(got) != 4 {
		t.Fatalf("expected 4 retained runs, got %d", len(got))
	}
	for _, r := range []*Run{terminal[3], terminal[4], running, pending} {
		if !got[r.ID()] {
			t.Fatalf("expected run %d to be retained", r.ID())
		}
	}
	if _, err := task.Run(terminal[0].ID()); err == nil {
		t.Fatalf("expected evicted run lookup to fail")
	}

	// A second sweep is a no-op.
	if n := task.Cleanup(now); n != 0 {
		t.Fatalf("expected no evictions, got %d", n)
	}
}

func TestCleanupCountNeverEvictsActive(t *testing.T) {
	now := time.Now()
	task := newRetentionTask(t, TaskConfig{Keep: 1, KeepPolicy: KeepCount})
	for i := 0; i < 3; i++ {
		addRun(task, StatusRunning, now)
	}
	if n := task.Cleanup(now); n != 0 {
		t.Fatalf("expected no evictions, got %d", n)
	}
	if task.Len() != 3 {
		t.Fatalf("expected 3 runs, got %d", task.Len())
	}
}

func TestCleanupAgePolicy(t *testing.T) {
	now := time.Now()
	task := newRetentionTask(t, TaskConfig{MaxAge: time.Minute, KeepPolicy: KeepAge})

	old := addRun(task, StatusFailed, now.Add(-2*time.Minute))
	young := addRun(task, StatusCancelled, now.Add(-30*time.Second))
	running := addRun(task, StatusRunning, now.Add(-time.Hour))

	if n := task.Cleanup(now); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	got := retainedIDs(task)
	if got[old.ID()] {
		t.Fatalf("expected old run to be evicted")
	}
	if !got[young.ID()] || !got[running.ID()] {
		t.Fatalf("expected young and running runs to be retained")
	}
}

func TestCleanupCountAndAgeRequiresBoth(t *testing.T) {
	now := time.Now()
	task := newRetentionTask(t, TaskConfig{Keep: 1, MaxAge: time.Minute, KeepPolicy: KeepCountAndAge})

	// Creation order: a, b, c. Count bound keeps only c; age bound keeps only b.
	a := addRun(task, StatusComplete, now.Add(-2*time.Minute))
	b := addRun(task, StatusComplete, now.Add(-10*time.Second))
	c := addRun(task, StatusComplete, now.Add(-3*time.Minute))

	if n := task.Cleanup(now); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	got := retainedIDs(task)
	if got[a.ID()] {
		t.Fatalf("expected run violating both bounds to be evicted")
	}
	if !got[b.ID()] {
		t.Fatalf("expected run within max age to be retained")
	}
	if !got[c.ID()] {
		t.Fatalf("expected run within keep count to be retained")
	}
}

func TestCleanupUnsetBoundsKeepEverything(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		cfg  TaskConfig
	}{
		{"count without keep", TaskConfig{KeepPolicy: KeepCount}},
		{"age without max age", TaskConfig{KeepPolicy: KeepAge}},
		{"both with only keep", TaskConfig{Keep: 1, KeepPolicy: KeepCountAndAge}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := newRetentionTask(t, tt.cfg)
			for i := 0; i < 4; i++ {
				addRun(task, StatusComplete, now.Add(-time.Hour))
			}
			if n := task.Cleanup(now); n != 0 {
				t.Fatalf("expected no evictions, got %d", n)
			}
		})
	}
}
