package engine

import (
	"time"

	"mcprunner/internal/eventbus"
	logx "mcprunner/pkg/logx"
)

// Cleanup evicts terminal runs according to the task's keep policy and
// returns how many were removed. Active runs are never evicted.
//
// COUNT keeps the Keep most recently created terminal runs. AGE drops terminal
// runs that ended more than MaxAge before now. COUNT_AND_AGE evicts only runs
// outside both bounds. An unset bound (Keep <= 0, MaxAge == 0) never evicts.
func (t *Task) Cleanup(now time.Time) int {
	type evicted struct {
		id     int64
		status Status
	}

	t.mu.Lock()
	terminal := 0
	for _, id := range t.order {
		if t.runs[id].Status().Terminal() {
			terminal++
		}
	}
	overCount := 0
	if t.cfg.Keep > 0 && terminal > t.cfg.Keep {
		overCount = terminal - t.cfg.Keep
	}

	var gone []evicted
	kept := t.order[:0]
	seen := 0
	for _, id := range t.order {
		r := t.runs[id]
		st := r.Status()
		if !st.Terminal() {
			kept = append(kept, id)
			continue
		}
		byCount := seen < overCount
		seen++
		byAge := t.cfg.MaxAge > 0 && now.Sub(r.endedAt()) > t.cfg.MaxAge

		if !t.evicts(byCount, byAge) {
			kept = append(kept, id)
			continue
		}
		delete(t.runs, id)
		gone = append(gone, evicted{id: id, status: st})
	}
	t.order = kept
	t.mu.Unlock()

	for _, e := range gone {
		eventbus.Publish(t.deps.bus, eventbus.TypeRunEvicted, eventbus.RunEvent{Task: t.name, RunID: e.id, Status: e.status.String()})
	}
	if len(gone) > 0 {
		t.deps.log.Debug("task.cleanup", logx.String("task", t.name), logx.String("policy", t.cfg.KeepPolicy.String()), logx.Int("evicted", len(gone)), logx.Int("retained", len(kept)))
	}
	return len(gone)
}

func (t *Task) evicts(byCount, byAge bool) bool {
	switch t.cfg.KeepPolicy {
	case KeepAge:
		return byAge
	case KeepCountAndAge:
		return byCount && byAge
	default:
		return byCount
	}
}
