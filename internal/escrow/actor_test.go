package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestActor_StopIsIdempotent(t *testing.T) {
	a := Spawn(context.Background(), "test", testLogger(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !a.Alive() {
		t.Fatal("actor should be alive after spawn")
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Stop()
		}()
	}
	wg.Wait()
	a.Stop()

	if a.Alive() {
		t.Fatal("actor still alive after stop")
	}
	if a.Err() != nil {
		t.Fatalf("clean stop recorded error: %v", a.Err())
	}
}

func TestActor_FailureIsContained(t *testing.T) {
	boom := errors.New("boom")
	a := Spawn(context.Background(), "failing", testLogger(), func(context.Context) error {
		return boom
	})
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor did not finish")
	}
	if !errors.Is(a.Err(), boom) {
		t.Fatalf("expected boom, got %v", a.Err())
	}
	a.Stop()
}

func TestActor_PanicIsContained(t *testing.T) {
	a := Spawn(context.Background(), "panicking", testLogger(), func(context.Context) error {
		panic("unexpected")
	})
	<-a.Done()
	if a.Alive() || a.Err() == nil {
		t.Fatalf("panicked actor should be dead with an error, alive=%v err=%v", a.Alive(), a.Err())
	}
}

func TestGroup_ChildrenAreIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGroup(ctx, testLogger())

	var ticks atomic.Int32
	g.Go("fails", func(context.Context) error { return errors.New("fails") })
	g.Go("panics", func(context.Context) error { panic("panics") })
	g.Go("ticker", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
				ticks.Add(1)
			}
		}
	})

	deadline := time.Now().Add(time.Second)
	for ticks.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ticks.Load() < 5 {
		t.Fatal("sibling stopped after another task failed")
	}
	cancel()
	g.Wait()
}
