// Package relay multiplexes fetch and publish jobs over a single, lazily
// opened relay session.
//
// A Scheduler holds a FIFO queue of jobs and one driver goroutine. The driver
// opens a session through a Transport as soon as work is queued, launches every
// queued job against it, and closes the session once the queue and the running
// set have both been empty for the grace period. Session failures are logged
// and retried with backoff. Jobs that were running on a failed session are
// not resubmitted; subscription sinks always observe end-of-stream, so callers
// can re-issue their query.
package relay

import (
	"context"
	"errors"

	"github.com/mbd888/lnescrow/internal/nostr"
)

var (
	ErrAlreadyStarted = errors.New("relay: scheduler already started")
	ErrEndOfStream    = errors.New("relay: end of stream")
	ErrSessionClosed  = errors.New("relay: session closed")
	ErrNoRelays       = errors.New("relay: no relays configured")
)

// SessionConfig parameterizes Transport.Open.
type SessionConfig struct {
	Relays []string
	// Identity answers relay AUTH challenges. A throwaway key is fine.
	Identity *nostr.PrivateKey
	// Proxy is an optional proxy URL (socks5:// or http://).
	Proxy string
}

// Transport opens sessions to a relay set.
type Transport interface {
	Open(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is one open connection to the relay set.
type Session interface {
	// Subscribe streams events matching filter until ctx is done or the
	// session dies; the channel is closed afterwards. It returns once the
	// request is on the wire ahead of any later Publish, so replies to
	// events published after it returns are delivered.
	Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error)
	// Publish sends a signed event and returns its id once at least one
	// relay accepted it.
	Publish(ctx context.Context, ev *nostr.Event) (string, error)
	// Done is closed when the session fails or is closed.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}
