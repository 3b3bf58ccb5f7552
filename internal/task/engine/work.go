package engine

import "context"

// WorkKind tags the two kinds of work a Task can own.
type WorkKind int

const (
	WorkFunc WorkKind = iota
	WorkCommand
)

func (k WorkKind) String() string {
	if k == WorkCommand {
		return "command"
	}
	return "func"
}

// Work is the unit a Task dispatches. The variant is chosen when the Task is created.
type Work interface {
	Kind() WorkKind
	// Describe names the work in logs and snapshots.
	Describe() string
	execute(ctx context.Context, r *Run)
}

// Func is in-process work.
//
// Async callables run on their own goroutine without a pool permit; the rest
// take a permit and run on the bounded pool.
type Func struct {
	Name  string
	Fn    Callable
	Async bool
}

func (f Func) Kind() WorkKind   { return WorkFunc }
func (f Func) Describe() string { return f.Name }

func (f Func) execute(ctx context.Context, r *Run) { r.executeFunc(ctx, f) }

// Command is an external program, spawned directly or through the default shell.
type Command struct {
	Program string
}

func (c Command) Kind() WorkKind   { return WorkCommand }
func (c Command) Describe() string { return c.Program }

func (c Command) execute(ctx context.Context, r *Run) { r.executeCommand(ctx, c.Program) }
