package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a Run.
type Status int

const (
	StatusCreated Status = iota
	StatusPending
	StatusRunning
	StatusComplete
	StatusFailed
	StatusCancelled
)

var statusNames = [...]string{"CREATED", "PENDING", "RUNNING", "COMPLETE", "FAILED", "CANCELLED"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v := strings.ToUpper(strings.TrimSpace(string(b)))
	for i, n := range statusNames {
		if n == v {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

// Trigger decides whether a scheduled task dispatches once as soon as it is armed.
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerOnStart
)

func (t Trigger) String() string {
	if t == TriggerOnStart {
		return "ON_START"
	}
	return "MANUAL"
}

// ParseTrigger accepts "MANUAL" and "ON_START" (case-insensitive). Empty means MANUAL.
func ParseTrigger(raw string) (Trigger, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "MANUAL":
		return TriggerManual, nil
	case "ON_START":
		return TriggerOnStart, nil
	default:
		return TriggerManual, fmt.Errorf("%w: unknown trigger %q", ErrInvalidConfig, raw)
	}
}

// Repeat is the recurrence budget of a task.
//
// The zero value is RepeatNever.
type Repeat struct {
	always bool
	times  int
}

var (
	RepeatNever  = Repeat{}
	RepeatAlways = Repeat{always: true}
)

// RepeatTimes returns a finite budget of n dispatches. n <= 0 is RepeatNever.
func RepeatTimes(n int) Repeat {
	if n <= 0 {
		return RepeatNever
	}
	return Repeat{times: n}
}

func (r Repeat) Never() bool  { return !r.always && r.times <= 0 }
func (r Repeat) Always() bool { return r.always }

// Times returns the finite budget, or -1 for ALWAYS and 0 for NEVER.
func (r Repeat) Times() int {
	if r.always {
		return -1
	}
	return r.times
}

func (r Repeat) String() string {
	switch {
	case r.always:
		return "ALWAYS"
	case r.times > 0:
		return strconv.Itoa(r.times)
	default:
		return "NEVER"
	}
}

// ParseRepeat accepts "NEVER", "ALWAYS" or a positive integer. Empty means NEVER.
func ParseRepeat(raw string) (Repeat, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch s {
	case "", "NEVER":
		return RepeatNever, nil
	case "ALWAYS":
		return RepeatAlways, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return RepeatNever, fmt.Errorf("%w: repeat must be NEVER, ALWAYS or a positive integer, got %q", ErrInvalidConfig, raw)
	}
	return RepeatTimes(n), nil
}

// KeepPolicy selects which retention bound(s) evict terminal runs.
type KeepPolicy int

const (
	KeepCount KeepPolicy = iota
	KeepAge
	KeepCountAndAge
)

func (p KeepPolicy) String() string {
	switch p {
	case KeepAge:
		return "AGE"
	case KeepCountAndAge:
		return "COUNT_AND_AGE"
	default:
		return "COUNT"
	}
}

// ParseKeepPolicy accepts "COUNT", "AGE" and "COUNT_AND_AGE". Empty means COUNT.
func ParseKeepPolicy(raw string) (KeepPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "COUNT":
		return KeepCount, nil
	case "AGE":
		return KeepAge, nil
	case "COUNT_AND_AGE":
		return KeepCountAndAge, nil
	default:
		return KeepCount, fmt.Errorf("%w: unknown keep policy %q", ErrInvalidConfig, raw)
	}
}

// TaskConfig is fixed when a Task is created.
type TaskConfig struct {
	Schedule   string // empty: no schedule
	Trigger    Trigger
	Repeat     Repeat
	Keep       int           // <= 0: no count bound
	MaxAge     time.Duration // 0: no age bound
	KeepPolicy KeepPolicy
}

// Args are the positional and keyword arguments of an in-process call.
type Args struct {
	Positional []any
	Keyword    map[string]any
}

// Callable is in-process work. It should return promptly once ctx is done.
type Callable func(ctx context.Context, args Args) (any, error)

// CommandType tells how an external command was spawned.
type CommandType string

const (
	CommandSubprocess CommandType = "subprocess"
	CommandShell      CommandType = "shell"
)

// Invocation carries the per-call inputs of one Run.
type Invocation struct {
	Args    Args
	Argv    []string          // command arguments (shell mode: already quoted)
	Env     map[string]string // overrides on top of the parent environment
	Cwd     string
	Shell   bool
	Timeout time.Duration // 0: none
}

// Snapshot is a point-in-time copy of a Run, safe to serialize.
type Snapshot struct {
	RunID   int64         `json:"run_id"`
	Task    string        `json:"task"`
	Status  Status        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Trace   string        `json:"trace,omitempty"`
	Start   time.Time     `json:"start,omitzero"`
	End     time.Time     `json:"end,omitzero"`
	Elapsed time.Duration `json:"-"`
	Result  any           `json:"result,omitempty"`

	// Subprocess runs only.
	ProcessID        *int              `json:"process_id,omitempty"`
	Command          string            `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	ReturnCode       *int              `json:"return_code,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	CommandType      CommandType       `json:"command_type,omitempty"`
	Stderr           string            `json:"stderr,omitempty"`
}

// MarshalJSON renders Elapsed as fractional seconds.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal(struct {
		alias
		Elapsed float64 `json:"elapsed"`
	}{alias: alias(s), Elapsed: s.Elapsed.Seconds()})
}

// Terminal is shorthand for s.Status.Terminal().
func (s Snapshot) Terminal() bool { return s.Status.Terminal() }
