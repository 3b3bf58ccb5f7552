package engine

import (
	"context"
	"testing"
	"time"

	"mcprunner/internal/eventbus"
	logx "mcprunner/pkg/logx"
)

func newTestRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	r, err := New(cfg, logx.Nop(), eventbus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func newTestDeps(t *testing.T, workers int) *runDeps {
	t.Helper()
	pool := NewPool(ExecutorThread, workers, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		pool.Close()
	})
	return &runDeps{
		ctx:         ctx,
		pool:        pool,
		log:         logx.Nop(),
		readTimeout: DefaultReadTimeout,
		chunkSize:   DefaultReadChunkSize,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func waitRun(t *testing.T, r *Run) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("run %d did not finish: %v", r.ID(), err)
	}
	return snap
}

func blockUntilDone(ctx context.Context, _ Args) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
