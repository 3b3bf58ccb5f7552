package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks what can be checked without the engine: durations,
// keywords and task names. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	r := cfg.Runner
	if r.InstanceID < 0 {
		add("runner.instance_id must be >= 0")
	}
	if r.MaxWorkers < 0 {
		add("runner.max_workers must be >= 0")
	}
	if r.ReadChunkSize < 0 {
		add("runner.read_chunk_size must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(r.Executor)) {
	case "", "thread", "process":
	default:
		add("runner.executor %q must be thread or process", r.Executor)
	}
	for path, raw := range map[string]string{
		"runner.cleanup_interval": r.CleanupInterval,
		"runner.read_timeout":     r.ReadTimeout,
		"runner.shutdown_grace":   r.ShutdownGrace,
		"storage.busy_timeout":    cfg.Storage.BusyTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required for driver %q", cfg.Storage.Driver)
		}
	default:
		add("storage.driver %q is not supported", cfg.Storage.Driver)
	}

	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when file logging is enabled")
	}

	seen := make(map[string]bool, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		name := strings.TrimSpace(t.Name)
		at := fmt.Sprintf("tasks[%d]", i)
		if name != "" {
			at = fmt.Sprintf("tasks[%s]", name)
		}
		switch {
		case name == "":
			add("%s: name is required", at)
		case seen[name]:
			add("%s: duplicate name", at)
		}
		seen[name] = true

		if strings.TrimSpace(t.Command) == "" {
			add("%s: command is required", at)
		}
		if _, err := ParseDurationField(at+".timeout", t.Timeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField(at+".max_age", t.MaxAge); err != nil {
			errs = append(errs, err)
		}
		if t.Keep < 0 {
			add("%s: keep must be >= 0", at)
		}
		if err := checkRepeat(t.Repeat); err != nil {
			add("%s: %v", at, err)
		}
		if !t.Repeat.IsNever() && strings.TrimSpace(t.Schedule) == "" {
			add("%s: repeat %s needs a schedule", at, t.Repeat)
		}
		for _, kv := range t.Env {
			if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
				add("%s: env entry %q must be KEY=VALUE", at, kv)
			}
		}
	}
	return errors.Join(errs...)
}

func checkRepeat(r RepeatValue) error {
	s := strings.ToUpper(strings.TrimSpace(string(r)))
	switch s {
	case "", "NEVER", "ALWAYS":
		return nil
	}
	if n, err := strconv.Atoi(s); err != nil || n <= 0 {
		return fmt.Errorf("repeat must be NEVER, ALWAYS or a positive integer, got %q", string(r))
	}
	return nil
}

// IsNever reports whether r means a single dispatch.
func (r RepeatValue) IsNever() bool {
	s := strings.ToUpper(strings.TrimSpace(string(r)))
	return s == "" || s == "NEVER"
}
