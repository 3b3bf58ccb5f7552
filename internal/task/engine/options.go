package engine

import (
	"fmt"
	"time"

	"mcprunner/internal/config"
)

// Option configures a single Run/Command call. Task-level options (schedule,
// trigger, repeat, keep*) only take effect when the call creates the task.
type Option func(*callOptions)

type callOptions struct {
	args       []any
	kwargs     map[string]any
	runID      int64
	timeout    time.Duration
	schedule   string
	trigger    Trigger
	repeat     Repeat
	keep       int
	maxAge     time.Duration
	keepPolicy KeepPolicy
	alias      string
	env        map[string]string
	cwd        string
	shell      bool

	errs []error
}

func buildOptions(opts []Option) (callOptions, error) {
	var o callOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if len(o.errs) > 0 {
		return o, o.errs[0]
	}
	return o, nil
}

func (o callOptions) taskConfig() TaskConfig {
	return TaskConfig{
		Schedule:   o.schedule,
		Trigger:    o.trigger,
		Repeat:     o.repeat,
		Keep:       o.keep,
		MaxAge:     o.maxAge,
		KeepPolicy: o.keepPolicy,
	}
}

// WithArgs sets positional arguments. For commands they become argv.
func WithArgs(args ...any) Option {
	return func(o *callOptions) { o.args = append(o.args, args...) }
}

// WithKwargs sets keyword arguments of an in-process call.
func WithKwargs(kw map[string]any) Option {
	return func(o *callOptions) {
		if o.kwargs == nil {
			o.kwargs = make(map[string]any, len(kw))
		}
		for k, v := range kw {
			o.kwargs[k] = v
		}
	}
}

// WithRunID pins the id of the dispatched run. It must be unique within the task.
func WithRunID(id int64) Option {
	return func(o *callOptions) { o.runID = id }
}

// WithTimeout parses a duration string ("1m30s", "2.5", "1h 30m").
func WithTimeout(raw string) Option {
	return func(o *callOptions) {
		d, err := config.ParseDuration(raw)
		if err != nil {
			o.errs = append(o.errs, fmt.Errorf("%w: timeout: %w", ErrInvalidConfig, err))
			return
		}
		o.timeout = d
	}
}

func WithTimeoutDuration(d time.Duration) Option {
	return func(o *callOptions) { o.timeout = d }
}

func WithSchedule(spec string) Option {
	return func(o *callOptions) { o.schedule = spec }
}

func WithTrigger(t Trigger) Option {
	return func(o *callOptions) { o.trigger = t }
}

func WithRepeat(r Repeat) Option {
	return func(o *callOptions) { o.repeat = r }
}

func WithKeep(n int) Option {
	return func(o *callOptions) { o.keep = n }
}

// WithMaxAge parses a duration string like WithTimeout.
func WithMaxAge(raw string) Option {
	return func(o *callOptions) {
		d, err := config.ParseDuration(raw)
		if err != nil {
			o.errs = append(o.errs, fmt.Errorf("%w: max_age: %w", ErrInvalidConfig, err))
			return
		}
		o.maxAge = d
	}
}

func WithMaxAgeDuration(d time.Duration) Option {
	return func(o *callOptions) { o.maxAge = d }
}

func WithKeepPolicy(p KeepPolicy) Option {
	return func(o *callOptions) { o.keepPolicy = p }
}

// WithAlias names a command task. Without it the command string is the name.
func WithAlias(alias string) Option {
	return func(o *callOptions) { o.alias = alias }
}

// WithEnv sets environment overrides for a command.
func WithEnv(env map[string]string) Option {
	return func(o *callOptions) {
		if o.env == nil {
			o.env = make(map[string]string, len(env))
		}
		for k, v := range env {
			o.env[k] = v
		}
	}
}

func WithCwd(dir string) Option {
	return func(o *callOptions) { o.cwd = dir }
}

// WithShell runs the command through the user's shell with quoted arguments.
func WithShell(enabled bool) Option {
	return func(o *callOptions) { o.shell = enabled }
}
