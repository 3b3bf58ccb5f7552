// Package scheduler parses schedule strings and fires registered jobs.
//
// It is trigger-only: a job is a plain func() that must not block for long.
// Execution, budgets and bookkeeping live with the caller (internal/task/engine).
package scheduler
