package relay

import (
	"context"
	"sync"

	"github.com/mbd888/lnescrow/internal/nostr"
)

// EventSink is an unbounded mailbox of events fed by a fetch job. Once closed,
// Next drains the remaining events and then returns ErrEndOfStream.
type EventSink struct {
	mu     sync.Mutex
	events []*nostr.Event
	closed bool
	notify chan struct{}

	live     chan struct{}
	liveOnce sync.Once
}

// NewEventSink returns an empty open sink.
func NewEventSink() *EventSink {
	return &EventSink{notify: make(chan struct{}, 1), live: make(chan struct{})}
}

// Put appends ev. Events put after Close are discarded.
func (s *EventSink) Put(ev *nostr.Event) {
	s.mu.Lock()
	if !s.closed {
		s.events = append(s.events, ev)
	}
	s.mu.Unlock()
	s.wake()
}

// Close marks the end of the stream. Only the first call has an effect.
func (s *EventSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
	s.MarkSubscribed()
}

// MarkSubscribed records that the relays accepted the subscription feeding
// this sink. Events published afterwards reach it live.
func (s *EventSink) MarkSubscribed() {
	s.liveOnce.Do(func() { close(s.live) })
}

// Subscribed is closed once the subscription is live or the sink is closed,
// whichever comes first.
func (s *EventSink) Subscribed() <-chan struct{} {
	return s.live
}

// Closed reports whether Close has been called.
func (s *EventSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *EventSink) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the stream ends, or ctx is done.
func (s *EventSink) Next(ctx context.Context) (*nostr.Event, error) {
	for {
		s.mu.Lock()
		if len(s.events) > 0 {
			ev := s.events[0]
			s.events[0] = nil
			s.events = s.events[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrEndOfStream
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}
