package agent

import (
	"context"
	"sync"
)

// Stream is a live view of one Invoke or Resume call. Events must be drained
// until the channel closes, or the stream closed with Close; the runtime
// suspends at every event until the consumer receives it.
type Stream struct {
	events chan StreamEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result *Result
	err    error
	closed bool
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		events: make(chan StreamEvent),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Events returns the event channel. It is closed when the call finishes.
func (s *Stream) Events() <-chan StreamEvent {
	return s.events
}

// Close stops the call. In-flight model generation and tool workers are
// cancelled and nothing from the unfinished turn is saved. Close waits for
// the call to wind down.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
}

// Result waits for the call to finish and returns its outcome.
func (s *Stream) Result() (*Result, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// Collect drains the stream and returns every event with the final result.
func (s *Stream) Collect() ([]StreamEvent, *Result, error) {
	var events []StreamEvent
	for ev := range s.events {
		events = append(events, ev)
	}
	res, err := s.Result()
	return events, res, err
}

func (s *Stream) finish(res *Result, err error) {
	s.mu.Lock()
	if s.closed && err != nil {
		err = ErrStreamClosed
	}
	s.result, s.err = res, err
	s.mu.Unlock()
	s.cancel()
	close(s.done)
}
