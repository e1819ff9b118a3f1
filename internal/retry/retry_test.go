package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_RetriesUntilSuccess(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	sentinel := errors.New("relay unreachable")
	var calls int
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) || calls != 2 {
		t.Fatalf("expected sentinel after 2 calls, got %v after %d", err, calls)
	}
}

func TestDo_PermanentStops(t *testing.T) {
	sentinel := errors.New("invoice expired")
	var calls int
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatal("Do must unwrap the permanent marker")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, 3, time.Hour, func() error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt, want := range []time.Duration{100, 200, 400, 800} {
		want *= time.Millisecond
		got := Backoff(attempt, base, 0)
		if got < want*3/4 || got > want*5/4 {
			t.Fatalf("attempt %d: %v outside +-25%% of %v", attempt, got, want)
		}
	}
	if got := Backoff(20, base, time.Second); got > 5*time.Second/4 {
		t.Fatalf("expected cap near 1s, got %v", got)
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Fatal("expected permanent")
	}
	if IsPermanent(errors.New("x")) {
		t.Fatal("plain error is not permanent")
	}
}
