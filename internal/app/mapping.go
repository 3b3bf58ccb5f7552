package app

import (
	"fmt"
	"strings"
	"time"

	"mcprunner/internal/config"
	"mcprunner/internal/observability/ops"
	"mcprunner/internal/storage"
	"mcprunner/internal/task/engine"
	"mcprunner/internal/task/scheduler"
	logx "mcprunner/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
	}
}

func mapRunnerConfig(cfg *config.Config) (engine.Config, error) {
	rc := cfg.Runner
	kind, err := engine.ParseExecutorKind(rc.Executor)
	if err != nil {
		return engine.Config{}, err
	}
	out := engine.Config{
		InstanceID:    rc.InstanceID,
		Executor:      kind,
		MaxWorkers:    rc.MaxWorkers,
		ReadChunkSize: rc.ReadChunkSize,
		HandleSignals: rc.HandleSignals,
	}
	if out.CleanupInterval, err = config.ParseDurationField("runner.cleanup_interval", rc.CleanupInterval); err != nil {
		return engine.Config{}, err
	}
	if out.ReadTimeout, err = config.ParseDurationField("runner.read_timeout", rc.ReadTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.ShutdownGrace, err = config.ParseDurationField("runner.shutdown_grace", rc.ShutdownGrace); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	oc := cfg.Ops
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Pprof:         oc.Pprof,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		// pprof profiles stream for up to 30s by default.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// taskOptions converts a configured task into engine options.
func taskOptions(tc config.TaskConfig) ([]engine.Option, error) {
	trigger, err := engine.ParseTrigger(tc.Trigger)
	if err != nil {
		return nil, fmt.Errorf("tasks[%s]: %w", tc.Name, err)
	}
	repeat, err := engine.ParseRepeat(tc.Repeat.String())
	if err != nil {
		return nil, fmt.Errorf("tasks[%s]: %w", tc.Name, err)
	}
	policy, err := engine.ParseKeepPolicy(tc.KeepPolicy)
	if err != nil {
		return nil, fmt.Errorf("tasks[%s]: %w", tc.Name, err)
	}

	env := make(map[string]string, len(tc.Env))
	for _, kv := range tc.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[strings.TrimSpace(k)] = v
	}
	args := make([]any, len(tc.Args))
	for i, a := range tc.Args {
		args[i] = a
	}

	opts := []engine.Option{
		engine.WithAlias(tc.Name),
		engine.WithArgs(args...),
		engine.WithShell(tc.Shell),
		engine.WithTrigger(trigger),
		engine.WithRepeat(repeat),
		engine.WithKeep(tc.Keep),
		engine.WithKeepPolicy(policy),
		engine.WithMaxAge(tc.MaxAge),
		engine.WithTimeout(tc.Timeout),
	}
	if s := strings.TrimSpace(tc.Schedule); s != "" {
		opts = append(opts, engine.WithSchedule(s))
	}
	if len(env) > 0 {
		opts = append(opts, engine.WithEnv(env))
	}
	if cwd := strings.TrimSpace(tc.Cwd); cwd != "" {
		opts = append(opts, engine.WithCwd(cwd))
	}
	return opts, nil
}

// validate runs the engine-level checks config.Validate cannot do.
func validate(cfg *config.Config) error {
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	for _, tc := range cfg.Tasks {
		if _, err := taskOptions(tc); err != nil {
			return err
		}
		if s := strings.TrimSpace(tc.Schedule); s != "" {
			if _, _, err := scheduler.Compile(s); err != nil {
				return fmt.Errorf("tasks[%s]: %w", tc.Name, err)
			}
		}
	}
	return nil
}
