package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/lnescrow/internal/metrics"
	"github.com/mbd888/lnescrow/internal/nostr"
	"github.com/mbd888/lnescrow/internal/relay"
	"github.com/mbd888/lnescrow/internal/retry"
	"github.com/mbd888/lnescrow/internal/traces"
)

var (
	ErrResponseTimeout   = errors.New("escrow: no response within timeout")
	ErrMalformedResponse = errors.New("escrow: malformed response")
)

// RemoteError is a request rejected by the agent with a validation message.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "escrow: request rejected: " + e.Msg }

// Scheduler is the part of relay.Scheduler the messenger needs.
type Scheduler interface {
	Fetch(filter nostr.Filter, sink *relay.EventSink) relay.JobID
	Publish(ev *nostr.Event) relay.JobID
	Cancel(id relay.JobID)
}

// Messenger turns escrow messages into signed, encrypted relay events and
// back. Every event it emits carries the network and protocol tags.
type Messenger struct {
	sched   Scheduler
	network Network
	logger  *slog.Logger
	now     func() time.Time

	requeryDelay time.Duration
}

// NewMessenger creates a messenger bound to one network.
func NewMessenger(sched Scheduler, network Network, logger *slog.Logger) *Messenger {
	return &Messenger{
		sched:        sched,
		network:      network,
		logger:       logger,
		now:          time.Now,
		requeryDelay: 250 * time.Millisecond,
	}
}

// Network returns the network the messenger tags events with.
func (m *Messenger) Network() Network { return m.network }

// Tags returns the network and protocol discriminator tags.
func (m *Messenger) Tags() nostr.Tags {
	return nostr.Tags{
		{"r", m.network.Tag()},
		{"d", ProtocolTag()},
	}
}

// Accepts reports whether ev carries this messenger's network and protocol
// tags. Events from other networks or protocol versions are ignored.
func (m *Messenger) Accepts(ev *nostr.Event) bool {
	return nostr.HasTag(ev.Tags, "r", m.network.Tag()) && nostr.HasTag(ev.Tags, "d", ProtocolTag())
}

// Publish signs and queues an event of the given kind. A positive expiry adds
// a NIP-40 expiration tag.
func (m *Messenger) Publish(key *nostr.PrivateKey, kind int, content string, extra nostr.Tags, expiry time.Duration) (*nostr.Event, error) {
	ev, err := m.sign(key, kind, content, extra, expiry)
	if err != nil {
		return nil, err
	}
	m.sched.Publish(ev)
	return ev, nil
}

func (m *Messenger) sign(key *nostr.PrivateKey, kind int, content string, extra nostr.Tags, expiry time.Duration) (*nostr.Event, error) {
	now := m.now()
	ev := &nostr.Event{
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      kind,
		Tags:      append(extra, m.Tags()...),
		Content:   content,
	}
	if expiry > 0 {
		nostr.SetExpiration(ev, now.Add(expiry))
	}
	if err := nostr.Sign(ev, key); err != nil {
		return nil, err
	}
	return ev, nil
}

// Send encrypts payload to recipient and publishes it as an ephemeral
// request event. replyTo, when set, references the request being answered.
func (m *Messenger) Send(key *nostr.PrivateKey, recipient string, payload any, replyTo string) (*nostr.Event, error) {
	ev, err := m.request(key, recipient, payload, replyTo)
	if err != nil {
		return nil, err
	}
	m.sched.Publish(ev)
	return ev, nil
}

// request builds a signed ephemeral request without publishing it.
func (m *Messenger) request(key *nostr.PrivateKey, recipient string, payload any, replyTo string) (*nostr.Event, error) {
	content, err := m.seal(key, recipient, payload)
	if err != nil {
		return nil, err
	}
	tags := nostr.Tags{{"p", recipient}}
	if replyTo != "" {
		tags = append(tags, nostr.Tag{"e", replyTo})
	}
	return m.sign(key, nostr.KindEphemeralRequest, content, tags, 0)
}

// Reply answers the request event req with resp.
func (m *Messenger) Reply(key *nostr.PrivateKey, req *nostr.Event, resp Response) error {
	_, err := m.Send(key, req.PubKey, resp, req.ID)
	return err
}

// DirectMessage sends payload as a stored, encrypted direct message that
// expires after expiry.
func (m *Messenger) DirectMessage(key *nostr.PrivateKey, recipient string, payload any, expiry time.Duration) (*nostr.Event, error) {
	content, err := m.seal(key, recipient, payload)
	if err != nil {
		return nil, err
	}
	return m.Publish(key, nostr.KindEncryptedDirectMsg, content, nostr.Tags{{"p", recipient}}, expiry)
}

func (m *Messenger) seal(key *nostr.PrivateKey, recipient string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return key.Encrypt(string(raw), recipient)
}

// Open decrypts an event addressed to key.
func Open(key *nostr.PrivateKey, ev *nostr.Event) ([]byte, error) {
	plain, err := key.Decrypt(ev.Content, ev.PubKey)
	if err != nil {
		return nil, err
	}
	return []byte(plain), nil
}

// Call sends req to the agent at recipient and waits up to timeout for the
// matching response. A rejected request returns the response together with
// a *RemoteError.
func (m *Messenger) Call(ctx context.Context, key *nostr.PrivateKey, recipient string, req Request, timeout time.Duration) (*Response, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Call",
		traces.Method(string(req.Method())), traces.PeerKey(recipient))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.ClientRequestDuration.WithLabelValues(string(req.Method())).Observe(time.Since(start).Seconds())
	}()

	body, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	ev, err := m.request(key, recipient, json.RawMessage(body), "")
	if err != nil {
		return nil, err
	}

	resp, err := m.roundTrip(ctx, key, recipient, ev, timeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.TradeID != "" {
		span.SetAttributes(traces.TradeID(resp.TradeID))
	}
	if resp.Error != "" {
		span.SetStatus(codes.Error, resp.Error)
		return resp, &RemoteError{Msg: resp.Error}
	}
	return resp, nil
}

// roundTrip publishes req and waits for the agent's reply. Replies are
// ephemeral and relays do not replay them, so the reply subscription has to
// be live before req goes out.
func (m *Messenger) roundTrip(ctx context.Context, key *nostr.PrivateKey, recipient string, req *nostr.Event, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	filter := nostr.Filter{
		Kinds:   []int{nostr.KindEphemeralRequest},
		Authors: []string{recipient},
		Tags: nostr.TagMap{
			"p": {key.PublicKey()},
			"e": {req.ID},
		},
		Since: nostr.At(time.Unix(int64(req.CreatedAt)-1, 0)),
		Limit: 1,
	}
	sink := relay.NewEventSink()
	id := m.sched.Fetch(filter, sink)
	select {
	case <-sink.Subscribed():
	case <-ctx.Done():
		m.sched.Cancel(id)
		return nil, timeoutErr(ctx.Err())
	}
	m.sched.Publish(req)

	_, plain, err := m.receive(ctx, key, filter, sink, id)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(plain, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &resp, nil
}

// Receive waits up to timeout for the first event matching filter that
// carries this messenger's tags and decrypts with key.
func (m *Messenger) Receive(ctx context.Context, key *nostr.PrivateKey, filter nostr.Filter, timeout time.Duration) (*nostr.Event, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sink := relay.NewEventSink()
	return m.receive(ctx, key, filter, sink, m.sched.Fetch(filter, sink))
}

// receive reads sink until an event opens. The query is re-issued whenever
// the stream ends early, since a dead relay session ends every running fetch.
func (m *Messenger) receive(ctx context.Context, key *nostr.PrivateKey, filter nostr.Filter, sink *relay.EventSink, id relay.JobID) (*nostr.Event, []byte, error) {
	for {
		ev, plain, err := m.firstOpened(ctx, key, sink)
		m.sched.Cancel(id)
		if err == nil {
			return ev, plain, nil
		}
		if !errors.Is(err, relay.ErrEndOfStream) {
			return nil, nil, err
		}
		m.logger.Debug("stream ended early, re-querying")
		if err := retry.Sleep(ctx, m.requeryDelay); err != nil {
			return nil, nil, timeoutErr(err)
		}
		sink = relay.NewEventSink()
		id = m.sched.Fetch(filter, sink)
	}
}

func (m *Messenger) firstOpened(ctx context.Context, key *nostr.PrivateKey, sink *relay.EventSink) (*nostr.Event, []byte, error) {
	for {
		ev, err := sink.Next(ctx)
		if errors.Is(err, relay.ErrEndOfStream) {
			return nil, nil, err
		}
		if err != nil {
			return nil, nil, timeoutErr(err)
		}
		if !m.Accepts(ev) {
			continue
		}
		plain, err := Open(key, ev)
		if err != nil {
			continue
		}
		return ev, plain, nil
	}
}

func timeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrResponseTimeout
	}
	return err
}

// Listen keeps a subscription open until ctx is done, re-issuing it with a
// fresh filter whenever the stream ends. handle is called for every event
// that carries this messenger's tags and has not expired.
func (m *Messenger) Listen(ctx context.Context, filter func() nostr.Filter, handle func(ctx context.Context, ev *nostr.Event)) error {
	attempt := 0
	for {
		sink := relay.NewEventSink()
		id := m.sched.Fetch(filter(), sink)
		received := false
		for {
			ev, err := sink.Next(ctx)
			if err != nil {
				break
			}
			received = true
			if !m.Accepts(ev) || nostr.Expired(ev, m.now()) {
				continue
			}
			handle(ctx, ev)
		}
		m.sched.Cancel(id)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if received {
			attempt = 0
		}
		delay := retry.Backoff(attempt, m.requeryDelay, 30*time.Second)
		attempt++
		m.logger.Debug("subscription ended, re-subscribing", "delay", delay)
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}
