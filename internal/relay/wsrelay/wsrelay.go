// Package wsrelay is the websocket binding of relay.Transport. A session holds
// one connection per relay, fans requests out to all of them and merges their
// replies. Connections are dialed with gorilla/websocket so each session can
// carry its own proxy; frames are go-nostr envelopes.
package wsrelay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"

	"github.com/mbd888/lnescrow/internal/circuitbreaker"
	"github.com/mbd888/lnescrow/internal/metrics"
	"github.com/mbd888/lnescrow/internal/nostr"
	"github.com/mbd888/lnescrow/internal/relay"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 512 * 1024
	subBuffer    = 256
	// seenCapacity bounds the per-subscription duplicate filter. Relays
	// echo the same event once each, well within this window.
	seenCapacity = 1024
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Dial breaker defaults: a relay that fails this many dials in a row is
// skipped for the cooldown.
const (
	breakerThreshold = 3
	breakerCooldown  = 2 * time.Minute
)

// ErrCircuitOpen is reported for relays skipped after repeated dial failures.
var ErrCircuitOpen = errors.New("wsrelay: relay circuit open")

// Transport dials relays over websockets.
type Transport struct {
	logger           *slog.Logger
	handshakeTimeout time.Duration
	breaker          *circuitbreaker.Breaker
}

// New returns a websocket transport.
func New(logger *slog.Logger) *Transport {
	b := circuitbreaker.New(breakerThreshold, breakerCooldown)
	b.OnTransition(func(relayURL string, from, to circuitbreaker.State) {
		metrics.RelayCircuitTransitions.WithLabelValues(to.String()).Inc()
		logger.Info("relay circuit changed", "relay", relayURL, "from", from.String(), "to", to.String())
	})
	return &Transport{logger: logger, handshakeTimeout: 15 * time.Second, breaker: b}
}

// Open dials every relay in cfg. The session is usable as long as at least one
// relay accepted the connection.
func (t *Transport) Open(ctx context.Context, cfg relay.SessionConfig) (relay.Session, error) {
	if len(cfg.Relays) == 0 {
		return nil, relay.ErrNoRelays
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: t.handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	s := &Session{
		identity: cfg.Identity,
		logger:   t.logger,
		subs:     make(map[string]*subscription),
		pending:  make(map[string]chan okReply),
		done:     make(chan struct{}),
	}
	var lastErr error
	for _, u := range cfg.Relays {
		if !t.breaker.Allow(u) {
			lastErr = ErrCircuitOpen
			continue
		}
		conn, _, err := dialer.DialContext(ctx, u, nil)
		if err != nil {
			t.logger.Warn("relay dial failed", "relay", u, "error", err)
			t.breaker.RecordFailure(u)
			lastErr = err
			continue
		}
		t.breaker.RecordSuccess(u)
		s.conns = append(s.conns, &relayConn{url: u, conn: conn, send: make(chan []byte, 64), session: s})
	}
	if len(s.conns) == 0 {
		return nil, fmt.Errorf("no relay reachable: %w", lastErr)
	}
	s.alive = len(s.conns)
	for _, rc := range s.conns {
		go rc.writePump()
		go rc.readPump()
	}
	return s, nil
}

type okReply struct {
	relay   string
	ok      bool
	message string
}

// Session is an open set of relay connections.
type Session struct {
	identity *nostr.PrivateKey
	logger   *slog.Logger
	conns    []*relayConn

	mu      sync.Mutex
	subs    map[string]*subscription
	pending map[string]chan okReply
	alive   int

	once sync.Once
	done chan struct{}
	err  error
}

type subscription struct {
	id     string
	filter nostr.Filter
	mu     sync.Mutex
	ch     chan *nostr.Event
	seen   *nostr.SeenSet
	closed bool
}

func (sub *subscription) deliver(ev *nostr.Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	if !sub.seen.Add(ev.ID) {
		return false
	}
	select {
	case sub.ch <- ev:
		return true
	default:
		return false
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

func randomSubID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe sends a REQ to every relay and merges the results. Events with an
// invalid signature or not matching filter are dropped, as are duplicates.
func (s *Session) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error) {
	sub := &subscription{
		id:     randomSubID(),
		filter: filter,
		ch:     make(chan *nostr.Event, subBuffer),
		seen:   nostr.NewSeenSet(seenCapacity),
	}
	req, err := json.Marshal(&gonostr.ReqEnvelope{SubscriptionID: sub.id, Filters: gonostr.Filters{filter}})
	if err != nil {
		return nil, fmt.Errorf("encode REQ: %w", err)
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, relay.ErrSessionClosed
	default:
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()
	s.broadcast(req)

	go func() {
		select {
		case <-ctx.Done():
			closeReq := gonostr.CloseEnvelope(sub.id)
			if msg, err := json.Marshal(&closeReq); err == nil {
				s.broadcast(msg)
			}
		case <-s.done:
		}
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// Publish sends ev to every relay and returns once one accepts it, or fails
// when all of them rejected it.
func (s *Session) Publish(ctx context.Context, ev *nostr.Event) (string, error) {
	msg, err := json.Marshal(&gonostr.EventEnvelope{Event: *ev})
	if err != nil {
		return "", fmt.Errorf("encode EVENT: %w", err)
	}
	replies := make(chan okReply, len(s.conns))
	s.mu.Lock()
	s.pending[ev.ID] = replies
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, ev.ID)
		s.mu.Unlock()
	}()

	sent := s.broadcast(msg)
	if sent == 0 {
		return "", relay.ErrSessionClosed
	}
	var rejections []error
	for range sent {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.done:
			return "", relay.ErrSessionClosed
		case r := <-replies:
			if r.ok {
				return ev.ID, nil
			}
			rejections = append(rejections, fmt.Errorf("%s: %s", r.relay, r.message))
		}
	}
	return "", fmt.Errorf("event rejected: %w", errors.Join(rejections...))
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

// Close closes every relay connection.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		for _, rc := range s.conns {
			rc.stop()
		}
	})
}

// broadcast queues msg on every live connection and returns how many took it.
func (s *Session) broadcast(msg []byte) int {
	n := 0
	for _, rc := range s.conns {
		if rc.enqueue(msg) {
			n++
		}
	}
	return n
}

func (s *Session) connLost(rc *relayConn, err error) {
	s.mu.Lock()
	s.alive--
	alive := s.alive
	s.mu.Unlock()
	if alive <= 0 {
		s.shutdown(fmt.Errorf("all relays disconnected, last %s: %w", rc.url, err))
	}
}

// handle processes one relay frame.
func (s *Session) handle(rc *relayConn, data []byte) {
	switch env := gonostr.ParseMessage(data).(type) {
	case *gonostr.EventEnvelope:
		if env.SubscriptionID == nil {
			return
		}
		s.mu.Lock()
		sub := s.subs[*env.SubscriptionID]
		s.mu.Unlock()
		ev := env.Event
		if sub == nil || !sub.filter.Matches(&ev) || !nostr.Verify(&ev) {
			return
		}
		sub.deliver(&ev)

	case *gonostr.OKEnvelope:
		s.mu.Lock()
		replies := s.pending[env.EventID]
		s.mu.Unlock()
		if replies != nil {
			select {
			case replies <- okReply{relay: rc.url, ok: env.OK, message: env.Reason}:
			default:
			}
		}

	case *gonostr.AuthEnvelope:
		if env.Challenge == nil || s.identity == nil {
			return
		}
		if err := rc.authenticate(s.identity, *env.Challenge); err != nil {
			s.logger.Warn("relay auth failed", "relay", rc.url, "error", err)
		}

	case *gonostr.ClosedEnvelope:
		s.logger.Debug("relay closed subscription", "relay", rc.url, "subscription", env.SubscriptionID, "reason", env.Reason)

	case *gonostr.NoticeEnvelope:
		s.logger.Debug("relay notice", "relay", rc.url, "message", string(*env))

	case *gonostr.EOSEEnvelope:
		// Subscriptions keep streaming live events after stored ones.

	default:
		s.logger.Debug("malformed relay frame", "relay", rc.url)
	}
}

type relayConn struct {
	url     string
	conn    *websocket.Conn
	send    chan []byte
	session *Session

	mu      sync.Mutex
	stopped bool
}

func (rc *relayConn) enqueue(msg []byte) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.stopped {
		return false
	}
	select {
	case rc.send <- msg:
		return true
	default:
		rc.session.logger.Warn("relay send buffer full, dropping frame", "relay", rc.url)
		return false
	}
}

func (rc *relayConn) stop() {
	rc.mu.Lock()
	if !rc.stopped {
		rc.stopped = true
		close(rc.send)
	}
	rc.mu.Unlock()
}

// authenticate answers a NIP-42 challenge.
func (rc *relayConn) authenticate(key *nostr.PrivateKey, challenge string) error {
	ev := nip42.CreateUnsignedAuthEvent(challenge, key.PublicKey(), rc.url)
	if err := nostr.Sign(&ev, key); err != nil {
		return err
	}
	msg, err := json.Marshal(&gonostr.AuthEnvelope{Event: ev})
	if err != nil {
		return err
	}
	if !rc.enqueue(msg) {
		return relay.ErrSessionClosed
	}
	return nil
}

func (rc *relayConn) readPump() {
	rc.conn.SetReadLimit(maxFrameSize)
	_ = rc.conn.SetReadDeadline(time.Now().Add(pongWait))
	rc.conn.SetPongHandler(func(string) error {
		return rc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				rc.session.logger.Warn("relay read error", "relay", rc.url, "error", err)
			}
			rc.stop()
			rc.session.connLost(rc, err)
			return
		}
		rc.session.handle(rc, data)
	}
}

func (rc *relayConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = rc.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-rc.send:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = rc.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := rc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				rc.session.logger.Warn("relay write error", "relay", rc.url, "error", err)
				return
			}
		case <-ticker.C:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				rc.session.logger.Debug("relay ping failed", "relay", rc.url, "error", err)
				return
			}
		}
	}
}
