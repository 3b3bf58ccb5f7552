package engine

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime/debug"
	"sync"
	"time"

	"mcprunner/internal/eventbus"
	logx "mcprunner/pkg/logx"
)

// runDeps are the shared resources every Run of a Runner uses.
type runDeps struct {
	ctx         context.Context // parent of every run context
	pool        *Pool
	log         logx.Logger
	bus         eventbus.Bus
	readTimeout time.Duration
	chunkSize   int
}

// Run is one execution of a Task's work.
//
// Identity and payload never change after creation. Status only moves forward;
// once terminal it is final.
type Run struct {
	id   int64
	task string
	work Work
	inv  Invocation
	deps *runDeps

	mu      sync.Mutex
	status  Status
	created time.Time
	start   time.Time
	end     time.Time
	result  any
	err     *ExecutionError
	cancel  context.CancelFunc
	done    chan struct{}

	// Subprocess state.
	cmd     *exec.Cmd
	cmdType CommandType
	pid     int
	hasPID  bool
	rc      int
	hasRC   bool

	// readMu serialises chunk reads; outMu guards the accumulated output.
	readMu sync.Mutex
	stdout *stream
	stderr *stream
	outMu  sync.Mutex
	outBuf bytes.Buffer
	errBuf bytes.Buffer
}

func newRun(id int64, task string, work Work, inv Invocation, deps *runDeps) *Run {
	r := &Run{
		id:      id,
		task:    task,
		work:    work,
		inv:     inv,
		deps:    deps,
		status:  StatusCreated,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	if work.Kind() == WorkCommand {
		r.stdout = newStream()
		r.stderr = newStream()
		r.cmdType = CommandSubprocess
		if inv.Shell {
			r.cmdType = CommandShell
		}
	}
	return r
}

func (r *Run) ID() int64        { return r.id }
func (r *Run) TaskName() string { return r.task }

// Done is closed once the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) Created() bool   { return r.Status() == StatusCreated }
func (r *Run) Pending() bool   { return r.Status() == StatusPending }
func (r *Run) Running() bool   { return r.Status() == StatusRunning }
func (r *Run) Completed() bool { return r.Status() == StatusComplete }
func (r *Run) Failed() bool    { return r.Status() == StatusFailed }
func (r *Run) Cancelled() bool { return r.Status() == StatusCancelled }

// PID is only defined for subprocess runs that spawned.
func (r *Run) PID() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid, r.hasPID
}

// ReturnCode is only defined for subprocess runs whose process was reaped.
func (r *Run) ReturnCode() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rc, r.hasRC
}

// Err returns the recorded failure, if any.
func (r *Run) Err() *ExecutionError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Elapsed is measured from dispatch to the terminal transition (or now).
func (r *Run) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsedLocked(time.Now())
}

func (r *Run) elapsedLocked(now time.Time) time.Duration {
	if r.start.IsZero() {
		return 0
	}
	if !r.end.IsZero() {
		return r.end.Sub(r.start)
	}
	return now.Sub(r.start)
}

// endedAt returns the terminal transition time (zero while active).
func (r *Run) endedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.end
}

// dispatch starts execution on its own goroutine.
func (r *Run) dispatch() {
	r.mu.Lock()
	if r.status != StatusCreated {
		r.mu.Unlock()
		return
	}
	r.start = time.Now()
	ctx, cancel := context.WithCancel(r.deps.ctx)
	r.cancel = cancel
	r.mu.Unlock()

	runCtx := ctx
	stop := func() {}
	if r.inv.Timeout > 0 {
		runCtx, stop = context.WithTimeout(ctx, r.inv.Timeout)
	}

	go func() {
		defer cancel()
		defer stop()
		r.work.execute(runCtx, r)
	}()
}

func (r *Run) setPending() {
	r.mu.Lock()
	if r.status == StatusCreated {
		r.status = StatusPending
	}
	r.mu.Unlock()
}

func (r *Run) markRunning() {
	r.mu.Lock()
	if r.status != StatusCreated && r.status != StatusPending {
		r.mu.Unlock()
		return
	}
	r.status = StatusRunning
	r.mu.Unlock()

	eventbus.Publish(r.deps.bus, eventbus.TypeRunStarted, eventbus.RunEvent{Task: r.task, RunID: r.id, Status: StatusRunning.String()})
}

// finish records a terminal status. It reports false if the run was already terminal.
func (r *Run) finish(status Status, result any, execErr *ExecutionError) bool {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	now := time.Now()
	if r.start.IsZero() {
		r.start = now
	}
	r.status = status
	r.end = now
	r.result = result
	r.err = execErr
	elapsed := r.end.Sub(r.start)
	close(r.done)
	r.mu.Unlock()

	ev := eventbus.RunEvent{Task: r.task, RunID: r.id, Status: status.String(), Elapsed: elapsed}
	if execErr != nil {
		ev.Error = execErr.Msg
	}
	eventbus.Publish(r.deps.bus, eventbus.TypeRunFinished, ev)

	if status == StatusFailed {
		r.deps.log.Debug("run.failed", logx.String("task", r.task), logx.Int64("run_id", r.id), logx.Duration("elapsed", elapsed), logx.String("err", ev.Error))
	} else {
		r.deps.log.Debug("run.finished", logx.String("task", r.task), logx.Int64("run_id", r.id), logx.String("status", status.String()), logx.Duration("elapsed", elapsed))
	}
	return true
}

// interrupted settles a run whose context ended before its work did.
func (r *Run) interrupted(ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.finish(StatusFailed, nil, timeoutError(r.id, r.inv.Timeout))
		return
	}
	r.finish(StatusCancelled, nil, nil)
}

type callOutcome struct {
	val   any
	err   error
	trace string
}

func (r *Run) executeFunc(ctx context.Context, f Func) {
	call := func() (o callOutcome) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := string(debug.Stack())
				o = callOutcome{err: &PanicError{Value: rec, Stack: stack}, trace: stack}
			}
		}()
		v, err := f.Fn(ctx, r.inv.Args)
		return callOutcome{val: v, err: err}
	}

	if f.Async {
		r.markRunning()
		ch := make(chan callOutcome, 1)
		go func() { ch <- call() }()
		select {
		case o := <-ch:
			r.settleCall(o)
		case <-ctx.Done():
			r.interrupted(ctx)
		}
		return
	}

	r.setPending()
	var o callOutcome
	done, err := r.deps.pool.Submit(ctx, func() {
		r.markRunning()
		o = call()
	})
	if err != nil {
		if ctx.Err() != nil {
			r.interrupted(ctx)
			return
		}
		r.finish(StatusFailed, nil, failureError(r.id, err, ""))
		return
	}

	// On timeout the pool job keeps its permit until the callable returns;
	// its result is discarded.
	select {
	case perr := <-done:
		if perr != nil {
			r.finish(StatusFailed, nil, failureError(r.id, perr, ""))
			return
		}
		r.settleCall(o)
	case <-ctx.Done():
		r.interrupted(ctx)
	}
}

func (r *Run) settleCall(o callOutcome) {
	if o.err != nil {
		r.finish(StatusFailed, nil, failureError(r.id, o.err, o.trace))
		return
	}
	r.finish(StatusComplete, o.val, nil)
}

// Cancel requests graceful termination and marks the run CANCELLED without
// waiting for a process to exit. It is a no-op on terminal runs.
func (r *Run) Cancel() bool {
	return r.stop(false)
}

// Abort kills the process (if any) and marks the run CANCELLED.
// It is a no-op on terminal runs.
func (r *Run) Abort() bool {
	return r.stop(true)
}

func (r *Run) stop(force bool) bool {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	cmd := r.cmd
	cancel := r.cancel
	r.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		var err error
		if force {
			err = cmd.Process.Kill()
		} else {
			err = terminateProcess(cmd.Process)
		}
		if err != nil {
			r.deps.log.Debug("run.signal_failed", logx.String("task", r.task), logx.Int64("run_id", r.id), logx.Bool("force", force), logx.Err(err))
		}
	}
	changed := r.finish(StatusCancelled, nil, nil)
	if cancel != nil {
		cancel()
	}
	return changed
}

// Wait blocks until the run is terminal or ctx is done.
func (r *Run) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Complete waits for the run and returns its result. Failed and cancelled
// runs yield a nil result; the reason is in the snapshot.
func (r *Run) Complete(ctx context.Context) (any, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, nil
}

// Snapshot returns a point-in-time copy of the run.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	s := Snapshot{
		RunID:   r.id,
		Task:    r.task,
		Status:  r.status,
		Start:   r.start,
		End:     r.end,
		Elapsed: r.elapsedLocked(time.Now()),
		Result:  r.result,
	}
	if r.err != nil {
		s.Error = r.err.Msg
		s.Trace = r.err.Trace
	}
	isCommand := r.work.Kind() == WorkCommand
	if isCommand {
		s.Command = r.work.Describe()
		s.Args = append([]string(nil), r.inv.Argv...)
		s.WorkingDirectory = r.inv.Cwd
		s.CommandType = r.cmdType
		if len(r.inv.Env) > 0 {
			s.Env = make(map[string]string, len(r.inv.Env))
			for k, v := range r.inv.Env {
				s.Env[k] = v
			}
		}
		if r.hasPID {
			pid := r.pid
			s.ProcessID = &pid
		}
		if r.hasRC {
			rc := r.rc
			s.ReturnCode = &rc
		}
	}
	terminal := r.status.Terminal()
	r.mu.Unlock()

	if isCommand {
		r.outMu.Lock()
		if !terminal || s.Result == nil {
			if r.outBuf.Len() > 0 {
				s.Result = r.outBuf.String()
			}
		}
		s.Stderr = r.errBuf.String()
		r.outMu.Unlock()
	}
	return s
}
