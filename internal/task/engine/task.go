package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mcprunner/internal/eventbus"
	"mcprunner/internal/task/scheduler"
	logx "mcprunner/pkg/logx"
)

// ScheduleDriver fires registered jobs. *scheduler.Service implements it.
type ScheduleDriver interface {
	Add(name string, sch cron.Schedule, job func()) (scheduler.EntryID, error)
	Remove(id scheduler.EntryID)
}

// Task is a named unit of work plus the runs produced for it.
// Its configuration is fixed at creation.
type Task struct {
	id    int64
	name  string
	work  Work
	cfg   TaskConfig
	sched cron.Schedule

	ids    *IDGenerator
	deps   *runDeps
	driver ScheduleDriver

	mu    sync.Mutex
	runs  map[int64]*Run
	order []int64 // creation order

	armed     bool
	entry     scheduler.EntryID
	remaining int // -1: unlimited
	schedInv  Invocation
	schedRun  int64
}

func newTask(name string, work Work, cfg TaskConfig, ids *IDGenerator, deps *runDeps, driver ScheduleDriver) (*Task, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: task name required", ErrInvalidConfig)
	}
	if cfg.Keep < 0 {
		return nil, fmt.Errorf("%w: keep must be >= 0", ErrInvalidConfig)
	}
	if cfg.MaxAge < 0 {
		return nil, fmt.Errorf("%w: max_age must be >= 0", ErrInvalidConfig)
	}

	var sch cron.Schedule
	if cfg.Schedule != "" {
		s, _, err := scheduler.Compile(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("%w: task %q: %v", ErrInvalidConfig, name, err)
		}
		sch = s
	}
	if !cfg.Repeat.Never() && sch == nil {
		return nil, fmt.Errorf("%w: task %q: repeat %s requires a schedule", ErrInvalidConfig, name, cfg.Repeat)
	}

	return &Task{
		id:     ids.Generate(),
		name:   name,
		work:   work,
		cfg:    cfg,
		sched:  sch,
		ids:    ids,
		deps:   deps,
		driver: driver,
		runs:   map[int64]*Run{},
	}, nil
}

func (t *Task) ID() int64          { return t.id }
func (t *Task) Name() string       { return t.name }
func (t *Task) Work() Work         { return t.work }
func (t *Task) Config() TaskConfig { return t.cfg }

// Dispatch creates a run, registers it and starts it. runID 0 means "generate".
// It returns as soon as the run is started.
func (t *Task) Dispatch(inv Invocation, runID int64) (*Run, error) {
	t.mu.Lock()
	if runID == 0 {
		runID = t.ids.Generate()
	} else if _, ok := t.runs[runID]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: task %q run %d", ErrDuplicateRun, t.name, runID)
	}
	r := newRun(runID, t.name, t.work, inv, t.deps)
	t.runs[runID] = r
	t.order = append(t.order, runID)
	t.mu.Unlock()

	eventbus.Publish(t.deps.bus, eventbus.TypeRunCreated, eventbus.RunEvent{Task: t.name, RunID: runID, Status: StatusCreated.String()})
	r.dispatch()
	return r, nil
}

// Run looks up a run by id.
func (t *Task) Run(runID int64) (*Run, error) {
	t.mu.Lock()
	r, ok := t.runs[runID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: task %q run %d", ErrUnknownRun, t.name, runID)
	}
	return r, nil
}

func (t *Task) GetRunStatus(runID int64) (Status, error) {
	r, err := t.Run(runID)
	if err != nil {
		return StatusCreated, err
	}
	return r.Status(), nil
}

func (t *Task) GetRunUpdate(runID int64) (Snapshot, error) {
	r, err := t.Run(runID)
	if err != nil {
		return Snapshot{}, err
	}
	return r.Snapshot(), nil
}

// Complete waits for the run and returns its result.
func (t *Task) Complete(ctx context.Context, runID int64) (any, error) {
	r, err := t.Run(runID)
	if err != nil {
		return nil, err
	}
	return r.Complete(ctx)
}

func (t *Task) CancelRun(runID int64) error {
	r, err := t.Run(runID)
	if err != nil {
		return err
	}
	r.Cancel()
	return nil
}

func (t *Task) AbortRun(runID int64) error {
	r, err := t.Run(runID)
	if err != nil {
		return err
	}
	r.Abort()
	return nil
}

// Runs returns snapshots of every retained run in creation order.
func (t *Task) Runs() []Snapshot {
	runs := t.runList()
	out := make([]Snapshot, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Snapshot())
	}
	return out
}

// Len is the number of retained runs.
func (t *Task) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

func (t *Task) runList() []*Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Run, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.runs[id])
	}
	return out
}

// Status is RUNNING while the schedule is armed or any run is active,
// otherwise the status of the latest run, or CREATED if there is none.
func (t *Task) Status() Status {
	t.mu.Lock()
	armed := t.armed
	t.mu.Unlock()
	if armed {
		return StatusRunning
	}

	runs := t.runList()
	for _, r := range runs {
		if !r.Status().Terminal() {
			return StatusRunning
		}
	}
	if len(runs) == 0 {
		return StatusCreated
	}
	return runs[len(runs)-1].Status()
}

// Shutdown disarms the schedule, waits up to grace (or ctx) for active runs
// to settle, then cancels whatever is still active.
func (t *Task) Shutdown(ctx context.Context, grace time.Duration) {
	t.CancelSchedule()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	var active []*Run
	for _, r := range t.runList() {
		if !r.Status().Terminal() {
			active = append(active, r)
		}
	}
	for i, r := range active {
		select {
		case <-r.Done():
			continue
		case <-timer.C:
		case <-ctx.Done():
		}
		for _, rest := range active[i:] {
			if rest.Cancel() {
				t.deps.log.Debug("task.run_cancelled", logx.String("task", t.name), logx.Int64("run_id", rest.ID()))
			}
		}
		return
	}
}

// Abort disarms the schedule and kills every active run without waiting.
func (t *Task) Abort() {
	t.CancelSchedule()
	for _, r := range t.runList() {
		r.Abort()
	}
}
