package engine

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// stream buffers one subprocess pipe. exec.Cmd writes into it; the run drains
// it in bounded chunks so a silent pipe never blocks the poll loop.
type stream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	notify chan struct{}
}

func newStream() *stream {
	return &stream{notify: make(chan struct{}, 1)}
}

func (s *stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	n, err := s.buf.Write(p)
	s.mu.Unlock()
	s.signal()
	return n, err
}

// close marks EOF. Buffered bytes stay readable.
func (s *stream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// readChunk returns up to n buffered bytes, waiting at most wait for data to
// arrive. It returns an empty chunk on timeout, on EOF, or when ctx is done.
func (s *stream) readChunk(ctx context.Context, n int, wait time.Duration) []byte {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		s.mu.Lock()
		if s.buf.Len() > 0 {
			chunk := make([]byte, min(n, s.buf.Len()))
			_, _ = s.buf.Read(chunk)
			s.mu.Unlock()
			return chunk
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		}
		select {
		case <-s.notify:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
