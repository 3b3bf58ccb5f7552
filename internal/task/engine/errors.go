package engine

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrUnknownRun    = errors.New("unknown run")
	ErrInvalidConfig = errors.New("invalid task configuration")
	ErrDuplicateRun  = errors.New("run id already exists")
	ErrPoolClosed    = errors.New("worker pool closed")
	ErrRunnerClosed  = errors.New("task runner closed")

	// ErrTimeout is recorded on runs that exceed their deadline.
	ErrTimeout = errors.New("run timed out")
)

// ExecutionError is the failure recorded on a FAILED run.
// It is observed through snapshots, never returned from polling calls.
type ExecutionError struct {
	RunID int64
	Msg   string
	Trace string
	Err   error
}

func (e *ExecutionError) Error() string { return e.Msg }
func (e *ExecutionError) Unwrap() error { return e.Err }

func timeoutError(runID int64, timeout time.Duration) *ExecutionError {
	return &ExecutionError{
		RunID: runID,
		Msg:   fmt.Sprintf("Err. - Task Run - %d - timed out. Exceeded deadline of - %s - seconds.", runID, formatSeconds(timeout)),
		Err:   ErrTimeout,
	}
}

func failureError(runID int64, cause error, trace string) *ExecutionError {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return &ExecutionError{
		RunID: runID,
		Msg:   fmt.Sprintf("Err. - Task Run - %d - failed. Encountered exception - %s.", runID, msg),
		Trace: trace,
		Err:   cause,
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// PanicError wraps a value recovered from a panicking callable.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
