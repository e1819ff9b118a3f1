package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

func newPair(t *testing.T) (*MemoryWallet, *MemoryWallet) {
	t.Helper()
	net := NewMemoryNetwork()
	return NewMemoryWallet("payee", net, nil, 0), NewMemoryWallet("payer", net, nil, 1_000_000)
}

func TestMemoryWallet_PayAcrossNetwork(t *testing.T) {
	ctx := context.Background()
	payee, payer := newPair(t)

	sub, err := payee.SubscribePayments(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	req, err := payee.CreateRequest(ctx, 50_000, "funding", time.Hour)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	inv, err := payer.SaveInvoice(ctx, req.Bolt11)
	if err != nil {
		t.Fatalf("save invoice: %v", err)
	}
	if inv.AmountSat != 50_000 || inv.ID != req.ID {
		t.Fatalf("decoded invoice mismatch: %+v", inv)
	}
	res, err := payer.PayInvoice(ctx, inv.ID)
	if err != nil || !res.Success {
		t.Fatalf("pay: %+v %v", res, err)
	}

	select {
	case ev := <-sub:
		if ev.RequestID != req.ID || ev.Status != StatusPaid {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no payment event")
	}

	got, _ := payee.GetRequest(ctx, req.ID)
	if got.Status != StatusPaid {
		t.Fatalf("expected paid request, got %s", got.Status)
	}
	if payer.Balance() != 950_000 || payee.Balance() != 50_000 {
		t.Fatalf("balances: payer=%d payee=%d", payer.Balance(), payee.Balance())
	}
	if _, err := payer.PayInvoice(ctx, inv.ID); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
}

func TestMemoryWallet_FailNextPayments(t *testing.T) {
	ctx := context.Background()
	payee, payer := newPair(t)
	req, _ := payee.CreateRequest(ctx, 1000, "", time.Hour)
	inv, _ := payer.SaveInvoice(ctx, req.Bolt11)

	payer.FailNextPayments(2)
	for i := 0; i < 2; i++ {
		res, err := payer.PayInvoice(ctx, inv.ID)
		if err != nil || res.Success {
			t.Fatalf("attempt %d: expected retryable failure, got %+v %v", i, res, err)
		}
	}
	res, err := payer.PayInvoice(ctx, inv.ID)
	if err != nil || !res.Success {
		t.Fatalf("expected success after failures, got %+v %v", res, err)
	}
	if payer.PayAttempts() != 3 {
		t.Fatalf("expected 3 attempts, got %d", payer.PayAttempts())
	}
}

func TestMemoryWallet_Expiry(t *testing.T) {
	ctx := context.Background()
	payee, payer := newPair(t)
	now := time.Unix(1_700_000_000, 0)
	payee.SetClock(func() time.Time { return now })
	payer.SetClock(func() time.Time { return now })

	req, _ := payee.CreateRequest(ctx, 1000, "", time.Minute)
	inv, _ := payer.SaveInvoice(ctx, req.Bolt11)

	now = now.Add(2 * time.Minute)
	got, _ := payee.GetRequest(ctx, req.ID)
	if got.Status != StatusExpired {
		t.Fatalf("expected expired request, got %s", got.Status)
	}
	if _, err := payer.PayInvoice(ctx, inv.ID); !errors.Is(err, ErrInvoiceExpired) {
		t.Fatalf("expected ErrInvoiceExpired, got %v", err)
	}
}

func TestMemoryWallet_DeletedRequestCannotBePaid(t *testing.T) {
	ctx := context.Background()
	payee, payer := newPair(t)
	req, _ := payee.CreateRequest(ctx, 1000, "", time.Hour)
	inv, _ := payer.SaveInvoice(ctx, req.Bolt11)

	if err := payee.DeleteRequest(ctx, req.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, err := payer.PayInvoice(ctx, inv.ID)
	if err != nil || res.Success {
		t.Fatalf("expected unroutable payment, got %+v %v", res, err)
	}
	if _, err := payee.GetRequest(ctx, req.ID); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestMemoryWallet_RejectsForeignInvoice(t *testing.T) {
	_, payer := newPair(t)
	if _, err := payer.SaveInvoice(context.Background(), "lnbc1notours"); !errors.Is(err, ErrInvalidInvoice) {
		t.Fatalf("expected ErrInvalidInvoice, got %v", err)
	}
}

func TestMemoryWallet_NewAddressIsValidForNetwork(t *testing.T) {
	w := NewMemoryWallet("w", nil, &chaincfg.TestNet3Params, 0)
	addr, err := w.NewAddress(context.Background())
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	if _, err := btcutil.DecodeAddress(addr, &chaincfg.TestNet3Params); err != nil {
		t.Fatalf("address %s not valid on testnet: %v", addr, err)
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a, err := DeriveKey("wallet-1", -1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, _ := DeriveKey("wallet-1", -1)
	c, _ := DeriveKey("wallet-1", 0)
	d, _ := DeriveKey("wallet-2", -1)
	if a.Hex() != b.Hex() {
		t.Fatal("derivation must be deterministic")
	}
	if a.Hex() == c.Hex() || a.Hex() == d.Hex() {
		t.Fatal("different purposes or wallets must yield different keys")
	}
}
