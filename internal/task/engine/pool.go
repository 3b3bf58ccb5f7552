package engine

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	logx "mcprunner/pkg/logx"
)

// ExecutorKind selects how pool workers run.
type ExecutorKind string

const (
	// ExecutorThread runs work on plain goroutine workers.
	ExecutorThread ExecutorKind = "thread"
	// ExecutorProcess pins every worker to its own OS thread for its lifetime,
	// so the number of OS threads busy with pool work never exceeds the pool size.
	ExecutorProcess ExecutorKind = "process"
)

// ParseExecutorKind accepts "thread" and "process". Empty means thread.
func ParseExecutorKind(raw string) (ExecutorKind, error) {
	switch ExecutorKind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ExecutorThread:
		return ExecutorThread, nil
	case ExecutorProcess:
		return ExecutorProcess, nil
	default:
		return ExecutorThread, fmt.Errorf("%w: unknown executor %q", ErrInvalidConfig, raw)
	}
}

// PoolStats is a best-effort view of pool usage.
type PoolStats struct {
	Executor ExecutorKind `json:"executor"`
	Workers  int          `json:"workers"`
	InFlight int          `json:"in_flight"`
	Waiting  int          `json:"waiting"`
	Queued   int          `json:"queued"`
	Closed   bool         `json:"closed"`
}

type poolJob struct {
	fn   func()
	done chan error
}

// Pool is a fixed set of workers guarded by a counting permit semaphore.
// Capacity is fixed at construction.
type Pool struct {
	kind ExecutorKind
	size int
	log  logx.Logger

	sem  *semaphore.Weighted
	jobs chan poolJob

	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	inFlight atomic.Int32
	waiting  atomic.Int32
}

// NewPool starts size workers (size <= 0 means runtime.NumCPU()).
func NewPool(kind ExecutorKind, size int, log logx.Logger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if kind == "" {
		kind = ExecutorThread
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		kind:   kind,
		size:   size,
		log:    log,
		sem:    semaphore.NewWeighted(int64(size)),
		jobs:   make(chan poolJob, size),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) Kind() ExecutorKind { return p.kind }

// Submit waits (bounded by ctx) for a permit and hands fn to a worker.
//
// The returned channel yields exactly one value once fn has finished: nil,
// a *PanicError if fn panicked, or ErrPoolClosed if the job was dropped by a
// shutdown before a worker picked it up. The permit is released in every case.
func (p *Pool) Submit(ctx context.Context, fn func()) (<-chan error, error) {
	if fn == nil {
		return nil, fmt.Errorf("nil job")
	}
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	p.waiting.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		return nil, err
	}

	job := poolJob{fn: fn, done: make(chan error, 1)}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	// Never blocks: permits cap outstanding jobs at the buffer size.
	p.jobs <- job
	return job.done, nil
}

func (p *Pool) worker(idx int) {
	defer p.wg.Done()
	if p.kind == ExecutorProcess {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-p.stopCh:
			return
		default:
		}

		select {
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			p.inFlight.Add(1)
			job.done <- p.execOne(idx, job.fn)
			p.inFlight.Add(-1)
			p.sem.Release(1)
		}
	}
}

func (p *Pool) execOne(idx int, fn func()) (err error) {
	// Guard against job panics so one bad callable can't kill a worker.
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			p.log.Error("pool.panic", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(stack))
			err = &PanicError{Value: r, Stack: stack}
		}
	}()
	fn()
	return nil
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// stop refuses new work and drops queued jobs. It reports whether this call closed the pool.
func (p *Pool) stop() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	dropped := 0
	for {
		select {
		case job := <-p.jobs:
			job.done <- ErrPoolClosed
			p.sem.Release(1)
			dropped++
		default:
			if dropped > 0 {
				p.log.Warn("pool.dropped", logx.Int("jobs", dropped))
			}
			return true
		}
	}
}

// Shutdown refuses new work, drops jobs no worker has picked up yet, and
// waits (bounded by ctx) for running jobs to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is Shutdown without waiting.
func (p *Pool) Close() {
	p.stop()
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Executor: p.kind,
		Workers:  p.size,
		InFlight: int(p.inFlight.Load()),
		Waiting:  int(p.waiting.Load()),
		Queued:   len(p.jobs),
		Closed:   p.isClosed(),
	}
}
