package prom

import (
	"context"
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"mcprunner/internal/eventbus"
	"mcprunner/internal/task/engine"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// StatsSource provides runner snapshots for the gauges.
type StatsSource interface {
	Stats() engine.RunnerStats
}

// Exporter turns engine events and runner stats into Prometheus collectors.
type Exporter struct {
	runsStarted  *prom.CounterVec
	runsFinished *prom.CounterVec
	runsEvicted  *prom.CounterVec
	runDuration  *prom.HistogramVec

	poolWorkers  prom.Gauge
	poolInFlight prom.Gauge
	poolWaiting  prom.Gauge
	tasks        prom.Gauge
	runsRetained prom.Gauge
	schedules    prom.Gauge
	busDropped   prom.Gauge
}

// NewExporter creates and registers the collectors. Collectors already
// registered on reg are reused.
func NewExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = "mcprunner"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	counter := func(name, help string, labels ...string) *prom.CounterVec {
		return prom.NewCounterVec(prom.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) prom.Gauge {
		return prom.NewGauge(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	e := &Exporter{
		runsStarted:  counter("runs_started_total", "Runs that began executing.", "task"),
		runsFinished: counter("runs_finished_total", "Runs that reached a terminal status.", "task", "status"),
		runsEvicted:  counter("runs_evicted_total", "Terminal runs removed by retention.", "task"),
		runDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration from dispatch to terminal status.",
			Buckets:   buckets,
		}, []string{"task"}),
		poolWorkers:  gauge("pool_workers", "Worker pool size."),
		poolInFlight: gauge("pool_in_flight", "Pool jobs currently executing."),
		poolWaiting:  gauge("pool_waiting", "Callers waiting for a pool permit."),
		tasks:        gauge("tasks_registered", "Registered tasks."),
		runsRetained: gauge("runs_retained", "Runs currently retained across tasks."),
		schedules:    gauge("schedules_armed", "Armed schedule entries."),
		busDropped:   gauge("events_dropped", "Engine events dropped by slow subscribers."),
	}

	var err error
	if e.runsStarted, err = registerCollector(reg, e.runsStarted); err != nil {
		return nil, err
	}
	if e.runsFinished, err = registerCollector(reg, e.runsFinished); err != nil {
		return nil, err
	}
	if e.runsEvicted, err = registerCollector(reg, e.runsEvicted); err != nil {
		return nil, err
	}
	if e.runDuration, err = registerCollector(reg, e.runDuration); err != nil {
		return nil, err
	}
	for _, g := range []*prom.Gauge{&e.poolWorkers, &e.poolInFlight, &e.poolWaiting, &e.tasks, &e.runsRetained, &e.schedules, &e.busDropped} {
		if *g, err = registerCollector(reg, *g); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Observe records one engine event. Unknown types are ignored.
func (e *Exporter) Observe(ev eventbus.Event) {
	if e == nil {
		return
	}
	re, ok := ev.Data.(eventbus.RunEvent)
	if !ok {
		return
	}
	task := normalizeLabel(re.Task, "unknown")
	switch ev.Type {
	case eventbus.TypeRunStarted:
		e.runsStarted.WithLabelValues(task).Inc()
	case eventbus.TypeRunFinished:
		e.runsFinished.WithLabelValues(task, normalizeLabel(re.Status, "unknown")).Inc()
		e.runDuration.WithLabelValues(task).Observe(re.Elapsed.Seconds())
	case eventbus.TypeRunEvicted:
		e.runsEvicted.WithLabelValues(task).Inc()
	}
}

// Consume feeds bus events into Observe until ctx is done.
func (e *Exporter) Consume(ctx context.Context, bus eventbus.Bus, buffer int) {
	ch, unsub := bus.Subscribe(buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.Observe(ev)
		}
	}
}

// SetStats copies a runner snapshot into the gauges.
func (e *Exporter) SetStats(st engine.RunnerStats, dropped uint64) {
	if e == nil {
		return
	}
	e.poolWorkers.Set(float64(st.Pool.Workers))
	e.poolInFlight.Set(float64(st.Pool.InFlight))
	e.poolWaiting.Set(float64(st.Pool.Waiting))
	e.tasks.Set(float64(st.Tasks))
	e.runsRetained.Set(float64(st.Runs))
	e.schedules.Set(float64(st.Schedules))
	e.busDropped.Set(float64(dropped))
}

// Poll refreshes the gauges from src every interval until ctx is done.
func (e *Exporter) Poll(ctx context.Context, src StatsSource, bus eventbus.Bus, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		e.SetStats(src.Stats(), eventbus.Dropped(bus))
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
	}
}

func normalizeLabel(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prom.AlreadyRegisteredError
	if errors.As(err, &already) {
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
