package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/lnescrow/internal/storage"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistry_OneUnhealthyFailsAggregate(t *testing.T) {
	var relayUp atomic.Bool
	r := NewRegistry(time.Second)
	r.Register("relay", Flag(relayUp.Load, "scheduler stopped"))
	r.Register("storage", Storage(storage.NewMemoryStore()))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy while the relay is down")
	}
	if statuses[0].Name != "relay" || statuses[0].Detail != "scheduler stopped" || !statuses[1].Healthy {
		t.Fatalf("unexpected statuses %+v", statuses)
	}

	relayUp.Store(true)
	if healthy, _ := r.CheckAll(context.Background()); !healthy {
		t.Fatal("expected healthy once the relay is up")
	}
}

func TestRegistry_CheckTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})
	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy || time.Since(start) > time.Second {
		t.Fatalf("slow check not bounded: %+v", statuses)
	}
}

func TestStorage_ClosedStoreIsUnhealthy(t *testing.T) {
	s := storage.NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	st := Storage(s)(context.Background())
	if st.Healthy || st.Detail == "" {
		t.Fatalf("expected unhealthy closed store, got %+v", st)
	}
}
