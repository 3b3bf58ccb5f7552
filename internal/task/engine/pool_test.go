package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "mcprunner/pkg/logx"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	p := NewPool(ExecutorThread, size, logx.Nop())
	defer p.Close()

	var cur, peak atomic.Int32
	dones := make([]<-chan error, 0, size+5)
	for i := 0; i < size+5; i++ {
		done, err := p.Submit(context.Background(), func() {
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			cur.Add(-1)
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		dones = append(dones, done)
	}
	for _, d := range dones {
		if err := <-d; err != nil {
			t.Fatalf("job failed: %v", err)
		}
	}
	if got := peak.Load(); got > size {
		t.Fatalf("expected at most %d concurrent jobs, got %d", size, got)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(ExecutorProcess, 1, logx.Nop())
	defer p.Close()

	done, err := p.Submit(context.Background(), func() { panic("boom") })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var pe *PanicError
	if err := <-done; !errors.As(err, &pe) {
		t.Fatalf("expected PanicError, got %v", err)
	}

	// The worker survives.
	done, err = p.Submit(context.Background(), func() {})
	if err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestPoolSubmitHonoursContext(t *testing.T) {
	p := NewPool(ExecutorThread, 1, logx.Nop())
	defer p.Close()

	release := make(chan struct{})
	if _, err := p.Submit(context.Background(), func() { <-release }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Submit(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if st := p.Stats(); st.Waiting != 0 {
		t.Fatalf("expected no waiters, got %d", st.Waiting)
	}
}

func TestPoolShutdownRejectsWaiters(t *testing.T) {
	p := NewPool(ExecutorThread, 1, logx.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	first, err := p.Submit(context.Background(), func() {
		close(started)
		<-release
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	// Blocks on the permit held by the first job.
	var ran atomic.Bool
	waiter := make(chan error, 1)
	go func() {
		d, err := p.Submit(context.Background(), func() { ran.Store(true) })
		if err != nil {
			waiter <- err
			return
		}
		waiter <- <-d
	}()

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("expected running job to finish, got %v", err)
	}
	if err := <-waiter; !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed for waiting job, got %v", err)
	}
	if ran.Load() {
		t.Fatalf("expected waiting job to be dropped")
	}
	if !p.Stats().Closed {
		t.Fatalf("expected pool closed")
	}
	if _, err := p.Submit(context.Background(), func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
