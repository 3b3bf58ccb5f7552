package engine

import (
	"fmt"

	"mcprunner/internal/task/scheduler"
	logx "mcprunner/pkg/logx"
)

// Schedule arms recurring dispatch. ON_START tasks dispatch once immediately
// and that run counts toward the repeat budget; it is returned. Otherwise the
// first run happens on the first tick and the returned run is nil.
//
// Calling Schedule on an armed task only replaces the invocation used by
// later ticks. Once the budget is spent the task disarms itself, and a later
// call re-arms it with a fresh budget.
func (t *Task) Schedule(inv Invocation, runID int64) (*Run, error) {
	if t.sched == nil {
		return nil, fmt.Errorf("%w: task %q has no schedule", ErrInvalidConfig, t.name)
	}
	if t.cfg.Repeat.Never() {
		return nil, fmt.Errorf("%w: task %q does not repeat", ErrInvalidConfig, t.name)
	}

	t.mu.Lock()
	if t.armed {
		t.schedInv = inv
		t.mu.Unlock()
		return nil, nil
	}
	t.armed = true
	t.entry = 0
	t.remaining = t.cfg.Repeat.Times()
	t.schedInv = inv
	t.schedRun = runID
	t.mu.Unlock()

	var first *Run
	if t.cfg.Trigger == TriggerOnStart {
		r, _, err := t.fire()
		if err != nil {
			t.CancelSchedule()
			return nil, err
		}
		first = r
	}

	t.mu.Lock()
	armed := t.armed
	t.mu.Unlock()
	if !armed {
		return first, nil
	}

	id, err := t.driver.Add(t.name, t.sched, t.tick)
	if err != nil {
		t.CancelSchedule()
		return first, fmt.Errorf("%w: task %q: %v", ErrInvalidConfig, t.name, err)
	}

	t.mu.Lock()
	stillArmed := t.armed
	if stillArmed {
		t.entry = id
	}
	t.mu.Unlock()
	if !stillArmed {
		// Exhausted or cancelled while registering.
		t.driver.Remove(id)
		return first, nil
	}

	t.deps.log.Debug("task.scheduled", logx.String("task", t.name), logx.String("schedule", t.cfg.Schedule), logx.String("repeat", t.cfg.Repeat.String()), logx.String("trigger", t.cfg.Trigger.String()))
	return first, nil
}

// Scheduled reports whether recurring dispatch is armed.
func (t *Task) Scheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Remaining returns the unspent repeat budget (-1 for ALWAYS, 0 when disarmed).
func (t *Task) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return 0
	}
	return t.remaining
}

func (t *Task) tick() {
	if _, _, err := t.fire(); err != nil {
		t.deps.log.Warn("task.tick_failed", logx.String("task", t.name), logx.Err(err))
	}
}

// fire spends one unit of budget and dispatches. It disarms (and unregisters)
// the schedule when the budget runs out.
func (t *Task) fire() (*Run, bool, error) {
	t.mu.Lock()
	if !t.armed {
		t.mu.Unlock()
		return nil, false, nil
	}
	if t.remaining > 0 {
		t.remaining--
	}
	exhausted := t.remaining == 0
	var entry scheduler.EntryID
	if exhausted {
		t.armed = false
		entry = t.entry
		t.entry = 0
	}
	inv := t.schedInv
	runID := t.schedRun
	t.schedRun = 0
	t.mu.Unlock()

	if exhausted && entry != 0 {
		t.driver.Remove(entry)
	}

	r, err := t.Dispatch(inv, runID)
	if exhausted {
		t.deps.log.Debug("task.schedule_exhausted", logx.String("task", t.name), logx.String("repeat", t.cfg.Repeat.String()))
	}
	return r, exhausted, err
}

// CancelSchedule stops recurring dispatch and leaves runs alone.
// It reports whether a schedule was armed.
func (t *Task) CancelSchedule() bool {
	t.mu.Lock()
	was := t.armed
	entry := t.entry
	t.armed = false
	t.entry = 0
	t.mu.Unlock()

	if entry != 0 {
		t.driver.Remove(entry)
	}
	return was
}

// Stop halts the scheduling loop without touching in-flight runs.
func (t *Task) Stop() bool {
	was := t.CancelSchedule()
	if was {
		t.deps.log.Debug("task.stopped", logx.String("task", t.name))
	}
	return was
}
