package engine

import (
	"context"
	"testing"
	"time"
)

func TestStreamReadChunk(t *testing.T) {
	s := newStream()
	_, _ = s.Write([]byte("hello world"))

	got := s.readChunk(context.Background(), 5, time.Second)
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
	got = s.readChunk(context.Background(), 64, time.Second)
	if string(got) != " world" {
		t.Fatalf("expected %q, got %q", " world", got)
	}
}

func TestStreamReadTimesOut(t *testing.T) {
	s := newStream()
	start := time.Now()
	if got := s.readChunk(context.Background(), 8, 30*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected empty chunk, got %q", got)
	}
	if el := time.Since(start); el < 25*time.Millisecond || el > time.Second {
		t.Fatalf("expected read to wait about 30ms, took %s", el)
	}
}

func TestStreamWakesOnWrite(t *testing.T) {
	s := newStream()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = s.Write([]byte("x"))
	}()
	if got := s.readChunk(context.Background(), 8, 2*time.Second); string(got) != "x" {
		t.Fatalf("expected %q, got %q", "x", got)
	}
}

func TestStreamClosedReturnsBufferedThenEOF(t *testing.T) {
	s := newStream()
	_, _ = s.Write([]byte("tail"))
	s.close()

	if got := s.readChunk(context.Background(), 8, time.Second); string(got) != "tail" {
		t.Fatalf("expected %q, got %q", "tail", got)
	}
	start := time.Now()
	if got := s.readChunk(context.Background(), 8, time.Second); len(got) != 0 {
		t.Fatalf("expected EOF, got %q", got)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("expected EOF without waiting")
	}
}

func TestStreamHonoursContext(t *testing.T) {
	s := newStream()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if got := s.readChunk(ctx, 8, time.Second); len(got) != 0 {
		t.Fatalf("expected empty chunk, got %q", got)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("expected cancelled read to return immediately")
	}
}
