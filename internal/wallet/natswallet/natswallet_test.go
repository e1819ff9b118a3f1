package natswallet

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/lnescrow/internal/wallet"
)

func TestEnvelope_ErrMapsSentinels(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{`{"error":"invoice_not_found"}`, wallet.ErrInvoiceNotFound},
		{`{"error":"invoice_expired"}`, wallet.ErrInvoiceExpired},
		{`{"error":"request_not_found"}`, wallet.ErrRequestNotFound},
		{`{"result":{"id":"x"}}`, nil},
	}
	for _, tt := range tests {
		var env Envelope
		if err := json.Unmarshal([]byte(tt.raw), &env); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.raw, err)
		}
		if err := env.Err(); !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.raw, tt.want, err)
		}
	}
}

func TestEnvelope_UnknownErrorPreserved(t *testing.T) {
	env := Envelope{Error: "node offline"}
	err := env.Err()
	if err == nil || err.Error() != "node offline" {
		t.Fatalf("expected raw error, got %v", err)
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("wallet.alice", OpPayInvoice); got != "wallet.alice.pay_invoice" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestDrain_ClosesOnDone(t *testing.T) {
	in := make(chan wallet.PaymentEvent, 1)
	done := make(chan struct{})
	out := drain(in, done)

	in <- wallet.PaymentEvent{RequestID: "r1", Status: wallet.StatusPaid}
	select {
	case ev := <-out:
		if ev.RequestID != "r1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not forwarded")
	}

	close(done)
	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after done")
	}
}
