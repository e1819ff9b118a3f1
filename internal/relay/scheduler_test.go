package relay_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/lnescrow/internal/nostr"
	"github.com/mbd888/lnescrow/internal/relay"
	"github.com/mbd888/lnescrow/internal/relay/relaytest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScheduler(t *testing.T, grace time.Duration) (*relay.Scheduler, *relaytest.Network) {
	t.Helper()
	net := relaytest.NewNetwork()
	cfg := relay.DefaultConfig([]string{"wss://relay.test"})
	cfg.GracePeriod = grace
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	s := relay.NewScheduler(cfg, net, testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, net
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func signedEvent(t *testing.T, kind int, content string) *nostr.Event {
	t.Helper()
	key, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	ev := &nostr.Event{Kind: kind, Content: content}
	if err := nostr.Sign(ev, key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

func expectEndOfStream(t *testing.T, sink *relay.EventSink) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, err := sink.Next(ctx)
		if errors.Is(err, relay.ErrEndOfStream) {
			return
		}
		if err != nil {
			t.Fatalf("expected end of stream, got %v", err)
		}
	}
}

func TestScheduler_NoJobsKeepsSessionClosed(t *testing.T) {
	_, net := newScheduler(t, 20*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	if net.Opened() != 0 {
		t.Fatalf("expected no session, got %d opened", net.Opened())
	}
}

func TestScheduler_OneJobOpensOneSessionAndClosesOnceAfterGrace(t *testing.T) {
	s, net := newScheduler(t, 40*time.Millisecond)
	ev := signedEvent(t, nostr.KindAgentStatus, "{}")
	s.Publish(ev)

	waitFor(t, "event stored", func() bool {
		return len(net.Events(nostr.Filter{IDs: []string{ev.ID}})) == 1
	})
	if net.Opened() != 1 {
		t.Fatalf("expected exactly one session, got %d", net.Opened())
	}
	waitFor(t, "session closed", func() bool { return net.Closed() == 1 })

	time.Sleep(100 * time.Millisecond)
	if net.Opened() != 1 || net.Closed() != 1 {
		t.Fatalf("expected 1 open / 1 close, got %d / %d", net.Opened(), net.Closed())
	}
}

func TestScheduler_BurstSharesOneSession(t *testing.T) {
	s, net := newScheduler(t, 200*time.Millisecond)
	for i := 0; i < 8; i++ {
		s.Publish(signedEvent(t, nostr.KindAgentStatus, "{}"))
	}
	waitFor(t, "all events stored", func() bool {
		return len(net.Events(nostr.Filter{Kinds: []int{nostr.KindAgentStatus}})) == 8
	})
	if net.Opened() != 1 {
		t.Fatalf("expected jobs to share one session, got %d", net.Opened())
	}
}

func TestScheduler_FetchDeliversThenCancelEndsStream(t *testing.T) {
	s, net := newScheduler(t, time.Second)
	sink := relay.NewEventSink()
	id := s.Fetch(nostr.Filter{Kinds: []int{nostr.KindEphemeralRequest}}, sink)

	select {
	case <-sink.Subscribed():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never went live")
	}
	ev := signedEvent(t, nostr.KindEphemeralRequest, "hello")
	if err := net.Inject(ev); err != nil {
		t.Fatalf("inject: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := sink.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.ID != ev.ID {
		t.Fatalf("unexpected event %s", got.ID)
	}

	s.Cancel(id)
	expectEndOfStream(t, sink)
}

func TestScheduler_CancelQueuedJobEndsStream(t *testing.T) {
	net := relaytest.NewNetwork()
	s := relay.NewScheduler(relay.DefaultConfig([]string{"wss://relay.test"}), net, testLogger())

	sink := relay.NewEventSink()
	id := s.Fetch(nostr.Filter{}, sink)
	s.Cancel(id)
	if !sink.Closed() {
		t.Fatal("cancelling a queued fetch must close its sink")
	}
	s.Cancel(id) // unknown id is a no-op
}

func TestScheduler_StopEndsRunningAndQueuedStreams(t *testing.T) {
	s, net := newScheduler(t, time.Second)
	running := relay.NewEventSink()
	s.Fetch(nostr.Filter{}, running)
	waitFor(t, "session open", func() bool { return net.Opened() == 1 })

	s.Stop()
	expectEndOfStream(t, running)
	if net.Closed() != 1 {
		t.Fatalf("expected session closed on stop, got %d", net.Closed())
	}
	s.Stop()
}

func TestScheduler_StartTwiceFails(t *testing.T) {
	s, _ := newScheduler(t, time.Second)
	if err := s.Start(context.Background()); !errors.Is(err, relay.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestScheduler_SessionFailureEndsStreamsWithoutResubmitting(t *testing.T) {
	s, net := newScheduler(t, time.Second)
	sink := relay.NewEventSink()
	s.Fetch(nostr.Filter{}, sink)
	waitFor(t, "session open", func() bool { return net.Opened() == 1 })

	net.KillSessions()
	expectEndOfStream(t, sink)

	time.Sleep(50 * time.Millisecond)
	if net.Opened() != 1 {
		t.Fatalf("dead jobs must not be resubmitted, got %d sessions", net.Opened())
	}

	ev := signedEvent(t, nostr.KindAgentStatus, "{}")
	s.Publish(ev)
	waitFor(t, "publish after failure", func() bool {
		return len(net.Events(nostr.Filter{IDs: []string{ev.ID}})) == 1
	})
	if net.Opened() != 2 {
		t.Fatalf("expected a fresh session, got %d", net.Opened())
	}
}

func TestScheduler_OpenFailureIsRetried(t *testing.T) {
	s, net := newScheduler(t, time.Second)
	net.FailNextOpens(2)
	ev := signedEvent(t, nostr.KindAgentStatus, "{}")
	s.Publish(ev)
	waitFor(t, "publish after retries", func() bool {
		return len(net.Events(nostr.Filter{IDs: []string{ev.ID}})) == 1
	})
}

func TestScheduler_PanickingJobDoesNotStopDriver(t *testing.T) {
	s, net := newScheduler(t, time.Second)
	s.Submit(func(context.Context, relay.Session) error { panic("boom") })
	s.Submit(func(context.Context, relay.Session) error { return errors.New("job error") })

	ev := signedEvent(t, nostr.KindAgentStatus, "{}")
	s.Publish(ev)
	waitFor(t, "publish after panic", func() bool {
		return len(net.Events(nostr.Filter{IDs: []string{ev.ID}})) == 1
	})
	if !s.Running() {
		t.Fatal("driver must keep running")
	}
}

func TestScheduler_SetProxyRestartsSession(t *testing.T) {
	s, net := newScheduler(t, time.Second)
	sink := relay.NewEventSink()
	s.Fetch(nostr.Filter{}, sink)
	waitFor(t, "session open", func() bool { return net.Opened() == 1 })

	s.SetProxy("socks5://127.0.0.1:9050")
	expectEndOfStream(t, sink)

	s.Publish(signedEvent(t, nostr.KindAgentStatus, "{}"))
	waitFor(t, "new session", func() bool { return net.Opened() == 2 })
	if got := net.LastConfig().Proxy; got != "socks5://127.0.0.1:9050" {
		t.Fatalf("expected proxy in new session, got %q", got)
	}
	if net.LastConfig().Identity == nil {
		t.Fatal("sessions must carry an identity for relay auth")
	}
}

func TestEventSink_DrainsBeforeEndOfStream(t *testing.T) {
	sink := relay.NewEventSink()
	a := &nostr.Event{ID: "a"}
	b := &nostr.Event{ID: "b"}
	sink.Put(a)
	sink.Put(b)
	sink.Close()
	sink.Close()
	sink.Put(&nostr.Event{ID: "late"})

	ctx := context.Background()
	for _, want := range []string{"a", "b"} {
		ev, err := sink.Next(ctx)
		if err != nil || ev.ID != want {
			t.Fatalf("expected %s, got %v %v", want, ev, err)
		}
	}
	if _, err := sink.Next(ctx); !errors.Is(err, relay.ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
}

func TestEventSink_NextHonorsContext(t *testing.T) {
	sink := relay.NewEventSink()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sink.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestEventSink_SubscribedReleasedByClose(t *testing.T) {
	sink := relay.NewEventSink()
	select {
	case <-sink.Subscribed():
		t.Fatal("fresh sink must not report a live subscription")
	default:
	}
	sink.Close()
	select {
	case <-sink.Subscribed():
	default:
		t.Fatal("closing the sink must release waiters")
	}
	sink.MarkSubscribed()
}
