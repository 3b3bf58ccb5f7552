package engine

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	logx "mcprunner/pkg/logx"
)

// SignalCoordinator owns process-termination handling for a Runner.
//
// On the first SIGINT/SIGTERM it shuts the worker pool down, runs registered
// hooks, restores the default disposition and re-delivers the signal so the
// process terminates the way it would have without the handler.
type SignalCoordinator struct {
	log      logx.Logger
	signals  []os.Signal
	grace    time.Duration
	shutdown func(ctx context.Context)

	mu      sync.Mutex
	hooks   []func(ctx context.Context)
	chans   []chan os.Signal
	started bool
	stopCh  chan struct{}

	fired atomic.Bool
	done  chan struct{}

	notify     func(c chan<- os.Signal, sig ...os.Signal)
	stopNotify func(c chan<- os.Signal)
	reset      func(sig ...os.Signal)
	raise      func(sig os.Signal) error
}

// NewSignalCoordinator builds a coordinator that calls shutdown (bounded by grace) on the first signal.
func NewSignalCoordinator(shutdown func(ctx context.Context), grace time.Duration, log logx.Logger) *SignalCoordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &SignalCoordinator{
		log:        log,
		signals:    shutdownSignals(),
		grace:      grace,
		shutdown:   shutdown,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		notify:     signal.Notify,
		stopNotify: signal.Stop,
		reset:      signal.Reset,
		raise:      raiseSignal,
	}
}

// OnSignal registers fn to run after the pool shutdown and before the signal is re-delivered.
func (c *SignalCoordinator) OnSignal(fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Start registers for the termination signals. Each signal gets its own
// channel and goroutine.
func (c *SignalCoordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	for _, sig := range c.signals {
		ch := make(chan os.Signal, 1)
		c.notify(ch, sig)
		c.chans = append(c.chans, ch)
		go c.watch(sig, ch)
	}
	c.log.Debug("signals.registered", logx.Int("count", len(c.signals)))
}

// Stop unregisters without firing. It does not restore dispositions changed by a fired signal.
func (c *SignalCoordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	close(c.stopCh)
	for _, ch := range c.chans {
		c.stopNotify(ch)
	}
	c.chans = nil
}

// Fired is closed once a signal has been handled (just before re-delivery).
func (c *SignalCoordinator) Fired() <-chan struct{} { return c.done }

func (c *SignalCoordinator) watch(sig os.Signal, ch <-chan os.Signal) {
	select {
	case <-ch:
		c.handle(sig)
	case <-c.stopCh:
	}
}

func (c *SignalCoordinator) handle(sig os.Signal) {
	if !c.fired.CompareAndSwap(false, true) {
		return
	}
	c.log.Warn("signals.received", logx.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), c.grace)
	defer cancel()
	if c.shutdown != nil {
		c.shutdown(ctx)
	}

	c.mu.Lock()
	hooks := append([]func(context.Context){}, c.hooks...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}

	c.Stop()
	c.reset(sig)
	close(c.done)
	if err := c.raise(sig); err != nil {
		c.log.Error("signals.raise_failed", logx.String("signal", sig.String()), logx.Err(err))
	}
}
