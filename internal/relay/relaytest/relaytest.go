// Package relaytest provides an in-memory relay network implementing
// relay.Transport, for tests and local demos.
package relaytest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/lnescrow/internal/nostr"
	"github.com/mbd888/lnescrow/internal/relay"
)

// ErrConnectionReset is the error of sessions killed with KillSessions.
var ErrConnectionReset = errors.New("relaytest: connection reset")

// Network is a single shared in-memory relay. Regular events are stored and
// replayed to later subscriptions whose filter matches, newest first up to
// the filter limit. Ephemeral kinds only reach subscriptions that are live
// when they are published.
type Network struct {
	mu       sync.Mutex
	log      []*nostr.Event
	events   []*nostr.Event
	sessions map[*Session]struct{}
	configs  []relay.SessionConfig
	opened   int
	closed   int
	failOpen int
	now      func() time.Time
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{sessions: make(map[*Session]struct{}), now: time.Now}
}

// Open implements relay.Transport.
func (n *Network) Open(ctx context.Context, cfg relay.SessionConfig) (relay.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.configs = append(n.configs, cfg)
	if n.failOpen > 0 {
		n.failOpen--
		return nil, errors.New("relaytest: dial refused")
	}
	s := &Session{net: n, done: make(chan struct{}), subs: make(map[*subscription]struct{})}
	n.sessions[s] = struct{}{}
	n.opened++
	return s, nil
}

// Opened returns how many sessions were opened.
func (n *Network) Opened() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opened
}

// Closed returns how many sessions were closed.
func (n *Network) Closed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// LastConfig returns the configuration of the most recent Open call.
func (n *Network) LastConfig() relay.SessionConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.configs) == 0 {
		return relay.SessionConfig{}
	}
	return n.configs[len(n.configs)-1]
}

// FailNextOpens makes the next k Open calls fail.
func (n *Network) FailNextOpens(k int) {
	n.mu.Lock()
	n.failOpen = k
	n.mu.Unlock()
}

// KillSessions terminates every open session with ErrConnectionReset.
func (n *Network) KillSessions() {
	n.mu.Lock()
	sessions := make([]*Session, 0, len(n.sessions))
	for s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()
	for _, s := range sessions {
		s.shutdown(ErrConnectionReset)
	}
}

// Subscriptions returns how many subscriptions are currently live.
func (n *Network) Subscriptions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for s := range n.sessions {
		s.mu.Lock()
		count += len(s.subs)
		s.mu.Unlock()
	}
	return count
}

// Events returns every accepted event matching filter, oldest first,
// including ephemeral ones that were never stored.
func (n *Network) Events(filter nostr.Filter) []*nostr.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range n.log {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Inject publishes ev as if sent by an outside client.
func (n *Network) Inject(ev *nostr.Event) error {
	return n.publish(ev)
}

func (n *Network) publish(ev *nostr.Event) error {
	if !nostr.Verify(ev) {
		return errors.New("invalid: bad signature")
	}
	n.mu.Lock()
	if nostr.Expired(ev, n.now()) {
		n.mu.Unlock()
		return errors.New("invalid: event expired")
	}
	if slices.ContainsFunc(n.log, func(e *nostr.Event) bool { return e.ID == ev.ID }) {
		n.mu.Unlock()
		return nil
	}
	n.log = append(n.log, ev)
	if !nostr.IsEphemeral(ev.Kind) {
		n.events = append(n.events, ev)
	}
	var targets []*subscription
	for s := range n.sessions {
		s.mu.Lock()
		for sub := range s.subs {
			if sub.filter.Matches(ev) {
				targets = append(targets, sub)
			}
		}
		s.mu.Unlock()
	}
	n.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
	return nil
}

func (n *Network) stored(filter nostr.Filter) []*nostr.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*nostr.Event
	for i := len(n.events) - 1; i >= 0; i-- {
		if filter.Matches(n.events[i]) && !nostr.Expired(n.events[i], n.now()) {
			out = append(out, n.events[i])
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
	}
	return out
}

func (n *Network) remove(s *Session) {
	n.mu.Lock()
	if _, ok := n.sessions[s]; ok {
		delete(n.sessions, s)
		n.closed++
	}
	n.mu.Unlock()
}

// Session is one connection to a Network.
type Session struct {
	net  *Network
	once sync.Once
	done chan struct{}
	err  error

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	filter nostr.Filter
	mu     sync.Mutex
	ch     chan *nostr.Event
	closed bool
}

func (sub *subscription) deliver(ev *nostr.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- ev:
	default: // slow consumer, relays drop too
	}
}

func (sub *subscription) close() {
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// Subscribe implements relay.Session.
func (s *Session) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error) {
	select {
	case <-s.done:
		return nil, relay.ErrSessionClosed
	default:
	}
	sub := &subscription{filter: filter, ch: make(chan *nostr.Event, 256)}
	s.net.mu.Lock()
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	s.net.mu.Unlock()

	for _, ev := range s.net.stored(filter) {
		sub.deliver(ev)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// Publish implements relay.Session.
func (s *Session) Publish(ctx context.Context, ev *nostr.Event) (string, error) {
	select {
	case <-s.done:
		return "", relay.ErrSessionClosed
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if err := s.net.publish(ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.net.remove(s)
	})
}
