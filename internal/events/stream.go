package events

import (
	"context"
	"sync"
)

// Stream is a single-consumer sink backing one streamed HTTP response.
// The producer closes it after the terminal event; the consumer detaches when it goes away.
type Stream struct {
	mu     sync.Mutex
	closed bool
	ch     chan Event

	gone     chan struct{}
	goneOnce sync.Once
}

// NewStream creates a stream with the given buffer.
func NewStream(buffer int) *Stream {
	return &Stream{ch: make(chan Event, buffer), gone: make(chan struct{})}
}

// Publish blocks until the consumer takes the event, the consumer detaches or ctx ends.
// Events published after Close are dropped.
func (s *Stream) Publish(ctx context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.gone:
	case <-ctx.Done():
	}
}

// Events is drained by the consumer until it is closed.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close ends the stream. It is safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Detach tells producers the consumer is gone so publishes stop blocking.
func (s *Stream) Detach() {
	s.goneOnce.Do(func() { close(s.gone) })
}
