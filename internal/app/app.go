package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mcprunner/internal/config"
	"mcprunner/internal/eventbus"
	"mcprunner/internal/observability/ops"
	promexp "mcprunner/internal/observability/prom"
	"mcprunner/internal/runtime/supervisor"
	"mcprunner/internal/storage"
	"mcprunner/internal/task/engine"
	logx "mcprunner/pkg/logx"
	"mcprunner/pkg/systemd"
)

type App struct {
	cfgm *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	runner  *engine.Runner
	reg     *prometheus.Registry
	metrics *promexp.Exporter
	ops     *ops.Service
	sd      *systemd.Notifier

	sup      *supervisor.Supervisor
	stopOnce sync.Once
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
			return nil, err
		}
		appLog.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("session", store.Session()))
	}

	ecfg, err := mapRunnerConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	runner, err := engine.New(ecfg, log.With(logx.String("comp", "runner")), bus)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	if store != nil {
		runner.SetAuditor(storeAuditor{store: store})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := promexp.NewExporter("mcprunner", reg, promexp.ExporterOptions{})
	if err != nil {
		runner.Abort()
		closeStore(store)
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logs,
		bus:     bus,
		store:   store,
		runner:  runner,
		reg:     reg,
		metrics: metrics,
		sd:      systemd.New(),
	}
	deps := ops.Deps{Runner: runner, Gatherer: reg, Health: a.health}
	if store != nil {
		deps.Audit = store
	}
	a.ops = ops.New(mapOpsConfig(cfg), deps, log.With(logx.String("comp", "ops")))
	return a, nil
}

func (a *App) Runner() *engine.Runner { return a.runner }

// HandlesSignals reports whether the runner owns SIGINT/SIGTERM handling.
func (a *App) HandlesSignals() bool { return a.runner.Signals() != nil }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if a.sup != nil && a.sup.Context().Err() != nil {
		return errors.New("stopping")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sup.Go0("metrics.consume", func(c context.Context) { a.metrics.Consume(c, a.bus, 512) })
	a.sup.Go0("metrics.poll", func(c context.Context) { a.metrics.Poll(c, a.runner, a.bus, 2*time.Second) })
	a.sup.Go0("events.log", a.logEvents)

	cfg := a.cfgm.Get()
	if err := a.registerTasks(cfg.Tasks); err != nil {
		a.sup.Cancel()
		return err
	}

	a.ops.Start(a.sup.Context())

	if sig := a.runner.Signals(); sig != nil {
		sig.OnSignal(func(context.Context) {
			_, _ = a.sd.Stopping()
			closeStore(a.store)
		})
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		_, _ = a.sd.Status("tasks=%d", len(cfg.Tasks))
	}
	a.log.Info("app started", logx.Int("tasks", len(cfg.Tasks)))
	return nil
}

// registerTasks submits configured commands. Scheduled ones are armed;
// the rest run once.
func (a *App) registerTasks(tasks []config.TaskConfig) error {
	for _, tc := range tasks {
		if err := a.registerTask(tc); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) registerTask(tc config.TaskConfig) error {
	opts, err := taskOptions(tc)
	if err != nil {
		return err
	}
	run, err := a.runner.Command(tc.Command, opts...)
	if err != nil {
		return fmt.Errorf("tasks[%s]: %w", tc.Name, err)
	}
	fields := []logx.Field{logx.String("task", tc.Name), logx.String("schedule", tc.Schedule)}
	if run != nil {
		fields = append(fields, logx.Int64("run_id", run.ID()))
	}
	a.log.Info("task registered", fields...)
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig applies what can change live: logging, ops and added or
// removed tasks. Runner and storage settings need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, changedTasks := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload without effective changes")
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	for _, s := range sections {
		switch s {
		case "runner", "storage":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "ops":
			a.ops.Reconfigure(ctx, mapOpsConfig(next))
		}
	}

	if len(changedTasks) > 0 {
		a.applyTasks(prev, next, changedTasks)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) applyTasks(prev, next *config.Config, names []string) {
	before := indexTasks(prev.Tasks)
	after := indexTasks(next.Tasks)
	for _, name := range names {
		_, had := before[name]
		tc, has := after[name]
		switch {
		case has && !had:
			if err := a.registerTask(tc); err != nil {
				a.log.Warn("task register failed", logx.String("task", name), logx.Err(err))
			}
		case had && !has:
			if err := a.runner.CancelSchedule(name); err != nil && !errors.Is(err, engine.ErrUnknownTask) {
				a.log.Warn("task unschedule failed", logx.String("task", name), logx.Err(err))
				continue
			}
			a.log.Info("task unscheduled", logx.String("task", name))
		default:
			// A task keeps the config it was created with.
			a.log.Warn("task config changed; restart required", logx.String("task", name))
		}
	}
}

func indexTasks(ts []config.TaskConfig) map[string]config.TaskConfig {
	m := make(map[string]config.TaskConfig, len(ts))
	for _, t := range ts {
		m[t.Name] = t
	}
	return m
}

// Stop shuts everything down in dependency order. Each step is bounded so one
// slow component cannot stall the rest. Safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx) })
	return err
}

func (a *App) stop(ctx context.Context) error {
	a.log.Info("stopping")
	_, _ = a.sd.Stopping()
	if a.sup != nil {
		a.sup.Cancel()
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(sctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			a.log.Warn("stop step failed", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step slow", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("runner", a.runnerGrace()+2*time.Second, a.runner.Shutdown)
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error { return closeStore(a.store) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) runnerGrace() time.Duration {
	if cfg := a.cfgm.Get(); cfg != nil {
		if d, err := config.ParseDuration(cfg.Runner.ShutdownGrace); err == nil && d > 0 {
			return d
		}
	}
	return engine.DefaultShutdownGrace
}

func closeStore(s storage.Store) error {
	if s == nil {
		return nil
	}
	return s.Close()
}
