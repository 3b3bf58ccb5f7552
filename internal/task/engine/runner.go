package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mcprunner/internal/eventbus"
	"mcprunner/internal/runtime/supervisor"
	"mcprunner/internal/task/scheduler"
	logx "mcprunner/pkg/logx"
)

const (
	DefaultCleanupInterval = time.Second
	DefaultReadTimeout     = time.Second
	DefaultReadChunkSize   = 8192
	DefaultShutdownGrace   = 5 * time.Second
)

// Config is the Runner-wide configuration.
type Config struct {
	InstanceID      int
	Executor        ExecutorKind
	MaxWorkers      int // <= 0: runtime.NumCPU()
	CleanupInterval time.Duration
	ReadTimeout     time.Duration
	ReadChunkSize   int
	ShutdownGrace   time.Duration
	HandleSignals   bool
	Location        *time.Location
}

func (c *Config) applyDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = DefaultReadChunkSize
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Executor == "" {
		c.Executor = ExecutorThread
	}
}

// AuditEntry records one control action issued against the runner.
type AuditEntry struct {
	Action string
	Task   string
	RunID  int64
	At     time.Time
}

// Auditor persists control actions. Implementations must not block for long.
type Auditor interface {
	Audit(ctx context.Context, e AuditEntry) error
}

// TaskInfo is a summary of one registered task.
type TaskInfo struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Status    Status `json:"status"`
	Schedule  string `json:"schedule,omitempty"`
	Trigger   string `json:"trigger"`
	Repeat    string `json:"repeat"`
	Keep      int    `json:"keep"`
	MaxAge    string `json:"max_age,omitempty"`
	Policy    string `json:"keep_policy"`
	Scheduled bool   `json:"scheduled"`
	Runs      int    `json:"runs"`
}

// RunnerStats is a best-effort operational view.
type RunnerStats struct {
	Pool      PoolStats                     `json:"pool"`
	Tasks     int                           `json:"tasks"`
	Runs      int                           `json:"runs"`
	Schedules int                           `json:"schedules"`
	Loops     supervisor.SupervisorCounters `json:"loops"`
}

// Runner is the registry of named tasks. It owns the worker pool, the
// schedule driver, the cleanup loop and (optionally) signal handling.
type Runner struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	ids     *IDGenerator
	pool    *Pool
	sched   *scheduler.Service
	sup     *supervisor.Supervisor
	deps    *runDeps
	signals *SignalCoordinator
	cancel  context.CancelFunc
	warn    *rate.Limiter

	mu       sync.Mutex
	tasks    map[string]*Task
	names    []string
	closed   bool
	cleaning bool
	auditor  Auditor
}

// New builds a runner and starts its pool and schedule driver.
// The cleanup loop starts lazily with the first registered task.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Runner, error) {
	cfg.applyDefaults()
	if cfg.InstanceID < 0 || cfg.InstanceID > idMaxInstance {
		return nil, fmt.Errorf("%w: instance_id must be in [0, %d]", ErrInvalidConfig, idMaxInstance)
	}
	if _, err := ParseExecutorKind(string(cfg.Executor)); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		ids:    NewIDGenerator(cfg.InstanceID),
		pool:   NewPool(cfg.Executor, cfg.MaxWorkers, log.With(logx.String("comp", "pool"))),
		sched:  scheduler.New(log.With(logx.String("comp", "scheduler")), cfg.Location),
		sup:    supervisor.NewSupervisor(ctx, supervisor.WithLogger(log.With(logx.String("comp", "supervisor")))),
		cancel: cancel,
		warn:   rate.NewLimiter(rate.Every(10*time.Second), 3),
		tasks:  map[string]*Task{},
	}
	r.deps = &runDeps{
		ctx:         ctx,
		pool:        r.pool,
		log:         log.With(logx.String("comp", "run")),
		bus:         bus,
		readTimeout: cfg.ReadTimeout,
		chunkSize:   cfg.ReadChunkSize,
	}
	r.sched.Start()

	if cfg.HandleSignals {
		r.signals = NewSignalCoordinator(func(ctx context.Context) {
			if err := r.pool.Shutdown(ctx); err != nil {
				r.log.Warn("runner.pool_shutdown", logx.Err(err))
			}
		}, cfg.ShutdownGrace, log.With(logx.String("comp", "signals")))
		r.signals.Start()
	}

	r.log.Info("runner.started",
		logx.String("executor", string(cfg.Executor)),
		logx.Int("workers", r.pool.Size()),
		logx.Int("instance_id", cfg.InstanceID),
		logx.Duration("cleanup_interval", cfg.CleanupInterval),
		logx.Bool("signals", cfg.HandleSignals),
	)
	return r, nil
}

// SetAuditor installs the control-action sink. nil disables auditing.
func (r *Runner) SetAuditor(a Auditor) {
	r.mu.Lock()
	r.auditor = a
	r.mu.Unlock()
}

// Signals returns the signal coordinator, or nil when signal handling is off.
func (r *Runner) Signals() *SignalCoordinator { return r.signals }

// Run registers (or reuses) the named in-process task and dispatches fn.
// Sync callables wait for a pool permit.
func (r *Runner) Run(name string, fn Callable, opts ...Option) (*Run, error) {
	return r.runFunc(name, fn, false, opts)
}

// RunAsync is Run for callables that manage their own concurrency; they
// bypass the worker pool.
func (r *Runner) RunAsync(name string, fn Callable, opts ...Option) (*Run, error) {
	return r.runFunc(name, fn, true, opts)
}

func (r *Runner) runFunc(name string, fn Callable, async bool, opts []Option) (*Run, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil callable", ErrInvalidConfig)
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	inv := Invocation{
		Args:    Args{Positional: o.args, Keyword: o.kwargs},
		Timeout: o.timeout,
	}
	return r.submit(name, Func{Name: name, Fn: fn, Async: async}, o, inv)
}

// Command registers (or reuses) a task running an external program. The task
// is named by WithAlias, or by the command string itself.
func (r *Runner) Command(program string, opts ...Option) (*Run, error) {
	program = strings.TrimSpace(program)
	if program == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidConfig)
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	argv := make([]string, 0, len(o.args))
	for _, a := range o.args {
		s := fmt.Sprint(a)
		if o.shell {
			s = QuoteArg(s)
		}
		argv = append(argv, s)
	}
	inv := Invocation{
		Argv:    argv,
		Env:     o.env,
		Cwd:     o.cwd,
		Shell:   o.shell,
		Timeout: o.timeout,
	}
	name := o.alias
	if name == "" {
		name = program
	}
	return r.submit(name, Command{Program: program}, o, inv)
}

func (r *Runner) submit(name string, work Work, o callOptions, inv Invocation) (*Run, error) {
	t, err := r.taskFor(name, work, o.taskConfig())
	if err != nil {
		return nil, err
	}
	if t.Config().Repeat.Never() {
		return t.Dispatch(inv, o.runID)
	}
	return t.Schedule(inv, o.runID)
}

func (r *Runner) taskFor(name string, work Work, cfg TaskConfig) (*Task, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	if t, ok := r.tasks[name]; ok {
		r.mu.Unlock()
		if t.Work().Kind() != work.Kind() {
			return nil, fmt.Errorf("%w: task %q is a %s task", ErrInvalidConfig, name, t.Work().Kind())
		}
		return t, nil
	}
	t, err := newTask(name, work, cfg, r.ids, r.deps, r.sched)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.tasks[name] = t
	r.names = append(r.names, name)
	startCleanup := !r.cleaning
	r.cleaning = true
	r.mu.Unlock()

	if startCleanup {
		r.sup.GoRestart0("runner.cleanup", r.cleanupLoop, supervisor.WithRestartBackoff(r.cfg.CleanupInterval, 30*time.Second))
	}
	eventbus.Publish(r.bus, eventbus.TypeTaskRegistered, eventbus.TaskEvent{Task: name, TaskID: t.ID(), Kind: work.Kind().String()})
	r.log.Info("task.registered",
		logx.String("task", name),
		logx.String("kind", work.Kind().String()),
		logx.String("schedule", cfg.Schedule),
		logx.String("repeat", cfg.Repeat.String()),
		logx.String("keep_policy", cfg.KeepPolicy.String()),
	)
	return t, nil
}

// Task looks up a registered task.
func (r *Runner) Task(name string) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return t, nil
}

func (r *Runner) taskList() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.tasks[n])
	}
	return out
}

// Tasks summarizes every registered task, sorted by name.
func (r *Runner) Tasks() []TaskInfo {
	list := r.taskList()
	out := make([]TaskInfo, 0, len(list))
	for _, t := range list {
		cfg := t.Config()
		info := TaskInfo{
			ID:        t.ID(),
			Name:      t.Name(),
			Kind:      t.Work().Kind().String(),
			Status:    t.Status(),
			Schedule:  cfg.Schedule,
			Trigger:   cfg.Trigger.String(),
			Repeat:    cfg.Repeat.String(),
			Keep:      cfg.Keep,
			Policy:    cfg.KeepPolicy.String(),
			Scheduled: t.Scheduled(),
			Runs:      t.Len(),
		}
		if cfg.MaxAge > 0 {
			info.MaxAge = cfg.MaxAge.String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetTaskUpdate returns a snapshot of one run.
func (r *Runner) GetTaskUpdate(name string, runID int64) (Snapshot, error) {
	t, err := r.Task(name)
	if err != nil {
		return Snapshot{}, err
	}
	return t.GetRunUpdate(runID)
}

func (r *Runner) GetRunStatus(name string, runID int64) (Status, error) {
	t, err := r.Task(name)
	if err != nil {
		return StatusCreated, err
	}
	return t.GetRunStatus(runID)
}

func (r *Runner) GetTaskStatus(name string) (Status, error) {
	t, err := r.Task(name)
	if err != nil {
		return StatusCreated, err
	}
	return t.Status(), nil
}

// Runs returns snapshots of every retained run of a task.
func (r *Runner) Runs(name string) ([]Snapshot, error) {
	t, err := r.Task(name)
	if err != nil {
		return nil, err
	}
	return t.Runs(), nil
}

// Wait blocks until the run is terminal (or ctx ends) and returns its snapshot.
func (r *Runner) Wait(ctx context.Context, name string, runID int64) (Snapshot, error) {
	t, err := r.Task(name)
	if err != nil {
		return Snapshot{}, err
	}
	run, err := t.Run(runID)
	if err != nil {
		return Snapshot{}, err
	}
	return run.Wait(ctx)
}

// Complete blocks until the run is terminal and returns its result.
func (r *Runner) Complete(ctx context.Context, name string, runID int64) (any, error) {
	t, err := r.Task(name)
	if err != nil {
		return nil, err
	}
	return t.Complete(ctx, runID)
}

// Stop halts the task's scheduling loop. In-flight runs continue.
func (r *Runner) Stop(name string) error {
	t, err := r.Task(name)
	if err != nil {
		return err
	}
	t.Stop()
	r.audit("stop", name, 0)
	return nil
}

// CancelSchedule disarms the task's schedule. In-flight runs continue.
func (r *Runner) CancelSchedule(name string) error {
	t, err := r.Task(name)
	if err != nil {
		return err
	}
	t.CancelSchedule()
	r.audit("cancel_schedule", name, 0)
	return nil
}

// CancelRun asks the run to terminate gracefully.
func (r *Runner) CancelRun(name string, runID int64) error {
	t, err := r.Task(name)
	if err != nil {
		return err
	}
	if err := t.CancelRun(runID); err != nil {
		return err
	}
	r.audit("cancel", name, runID)
	return nil
}

// AbortRun kills the run.
func (r *Runner) AbortRun(name string, runID int64) error {
	t, err := r.Task(name)
	if err != nil {
		return err
	}
	if err := t.AbortRun(runID); err != nil {
		return err
	}
	r.audit("abort", name, runID)
	return nil
}

// Schedules lists armed schedule entries by next fire time.
func (r *Runner) Schedules() []scheduler.ScheduleInfo { return r.sched.Snapshot() }

func (r *Runner) Stats() RunnerStats {
	list := r.taskList()
	runs := 0
	for _, t := range list {
		runs += t.Len()
	}
	return RunnerStats{
		Pool:      r.pool.Stats(),
		Tasks:     len(list),
		Runs:      runs,
		Schedules: r.sched.Len(),
		Loops:     r.sup.Counters(),
	}
}

// Cleanup runs one retention sweep over every task and returns the number of
// evicted runs. A panicking task is logged and skipped.
func (r *Runner) Cleanup(now time.Time) int {
	total := 0
	for _, t := range r.taskList() {
		total += r.cleanupTask(t, now)
	}
	return total
}

func (r *Runner) cleanupTask(t *Task, now time.Time) (n int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.warnf("runner.cleanup_failed", logx.String("task", t.Name()), logx.Any("panic", rec))
		}
	}()
	return t.Cleanup(now)
}

func (r *Runner) cleanupLoop(ctx context.Context) {
	tk := time.NewTicker(r.cfg.CleanupInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tk.C:
			r.Cleanup(now)
		}
	}
}

// warnf logs at warn level, falling back to debug once the limiter is spent.
func (r *Runner) warnf(msg string, fields ...logx.Field) {
	if r.warn.Allow() {
		r.log.Warn(msg, fields...)
		return
	}
	r.log.Debug(msg, fields...)
}

func (r *Runner) audit(action, task string, runID int64) {
	r.mu.Lock()
	a := r.auditor
	r.mu.Unlock()
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Audit(ctx, AuditEntry{Action: action, Task: task, RunID: runID, At: time.Now()}); err != nil {
		r.warnf("runner.audit_failed", logx.String("action", action), logx.String("task", task), logx.Err(err))
	}
}

func (r *Runner) markClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	return true
}

// Shutdown stops accepting work, disarms every schedule, gives in-flight runs
// the configured grace to settle, cancels the rest and shuts the pool down.
// Queued pool jobs that never started are dropped.
func (r *Runner) Shutdown(ctx context.Context) error {
	if !r.markClosed() {
		return nil
	}
	r.audit("shutdown", "", 0)
	start := time.Now()

	var wg sync.WaitGroup
	for _, t := range r.taskList() {
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.warnf("runner.task_shutdown_failed", logx.String("task", t.Name()), logx.Any("panic", rec))
				}
			}()
			t.Shutdown(ctx, r.cfg.ShutdownGrace)
		}(t)
	}
	wg.Wait()

	r.sched.Stop(ctx)
	if err := r.sup.Stop(ctx); err != nil {
		r.log.Debug("runner.loops_stop", logx.Err(err))
	}
	err := r.pool.Shutdown(ctx)
	if r.signals != nil {
		r.signals.Stop()
	}
	r.cancel()

	r.log.Info("runner.stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// Abort kills every active run and closes the pool without waiting.
func (r *Runner) Abort() {
	if !r.markClosed() {
		return
	}
	r.audit("abort_all", "", 0)
	for _, t := range r.taskList() {
		t.Abort()
	}
	r.sched.Stop(expiredContext())
	r.sup.Cancel()
	r.pool.Close()
	if r.signals != nil {
		r.signals.Stop()
	}
	r.cancel()
	r.log.Warn("runner.aborted")
}
