package eventbus

import "time"

// Event types published by the task engine.
const (
	TypeTaskRegistered = "task.registered"
	TypeRunCreated     = "run.created"
	TypeRunStarted     = "run.started"
	TypeRunFinished    = "run.finished"
	TypeRunEvicted     = "run.evicted"
)

// RunEvent is the Data of every run.* event.
type RunEvent struct {
	Task    string        `json:"task"`
	RunID   int64         `json:"run_id"`
	Status  string        `json:"status"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// TaskEvent is the Data of task.* events.
type TaskEvent struct {
	Task   string `json:"task"`
	TaskID int64  `json:"task_id"`
	Kind   string `json:"kind"`
}

// Publish is a nil-safe b.Publish.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

// Dropped reports how many events b failed to deliver, or 0 if b does not count.
func Dropped(b Bus) uint64 {
	if dc, ok := b.(DropCounter); ok {
		return dc.Dropped()
	}
	return 0
}
