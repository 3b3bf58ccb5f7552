package engine

import (
	"sync"
	"testing"
	"time"
)

func TestIDGeneratorMonotonic(t *testing.T) {
	g := NewIDGenerator(3)
	prev := g.Generate()
	for i := 0; i < 20000; i++ {
		id := g.Generate()
		if id <= prev {
			t.Fatalf("expected increasing ids, got %d after %d", id, prev)
		}
		prev = id
	}
}

func TestIDGeneratorClockBackwards(t *testing.T) {
	now := time.UnixMilli(idEpoch + 10_000)
	g := NewIDGenerator(1)
	g.now = func() time.Time { return now }

	a := g.Generate()
	now = now.Add(-5 * time.Second)
	b := g.Generate()
	if b <= a {
		t.Fatalf("expected id to keep increasing after clock went back, got %d then %d", a, b)
	}
}

func TestIDGeneratorSequenceOverflow(t *testing.T) {
	now := time.UnixMilli(idEpoch + 1)
	g := NewIDGenerator(0)
	g.now = func() time.Time { return now }

	seen := map[int64]bool{}
	var prev int64
	for i := 0; i < idMaxSequence+10; i++ {
		id := g.Generate()
		if seen[id] {
			t.Fatalf("duplicate id %d at %d", id, i)
		}
		if id <= prev {
			t.Fatalf("expected increasing ids, got %d after %d", id, prev)
		}
		seen[id] = true
		prev = id
	}
}

func TestIDGeneratorConcurrent(t *testing.T) {
	g := NewIDGenerator(7)
	const workers, per = 8, 2000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, g.Generate())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*per {
		t.Fatalf("expected %d distinct ids, got %d", workers*per, len(seen))
	}
}

func TestDecomposeID(t *testing.T) {
	now := time.UnixMilli(idEpoch + 123456)
	g := NewIDGenerator(42)
	g.now = func() time.Time { return now }

	at, inst, seq := DecomposeID(g.Generate())
	if !at.Equal(now) {
		t.Fatalf("expected time %v, got %v", now, at)
	}
	if inst != 42 || seq != 0 {
		t.Fatalf("expected instance 42 seq 0, got %d %d", inst, seq)
	}
}
