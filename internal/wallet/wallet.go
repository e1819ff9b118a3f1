// Package wallet defines the Lightning wallet contract the escrow roles consume,
// plus an in-memory implementation and a NATS bridge to a remote wallet daemon.
//
// Terminology:
//   - a Request is an incoming payment request: this wallet is the payee
//   - an Invoice is an outgoing invoice saved for this wallet to pay
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/lnescrow/internal/nostr"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrRequestNotFound = errors.New("wallet: payment request not found")
	ErrInvoiceNotFound = errors.New("wallet: invoice not found")
	ErrInvalidInvoice  = errors.New("wallet: invalid invoice")
	ErrInvalidAmount   = errors.New("wallet: invalid amount")
	ErrInvoiceExpired  = errors.New("wallet: invoice expired")
	ErrAlreadyPaid     = errors.New("wallet: invoice already paid")
)

// OpError wraps a failed wallet operation.
type OpError struct {
	Op  string
	ID  string
	Err error
}

func (e *OpError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("wallet: %s %s failed: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Status is the payment state of a request or invoice.
type Status string

const (
	StatusUnpaid   Status = "unpaid"
	StatusInflight Status = "inflight"
	StatusPaid     Status = "paid"
	StatusExpired  Status = "expired"
)

// Request is an incoming Lightning payment request.
type Request struct {
	ID        string        `json:"id"`
	Bolt11    string        `json:"bolt11"`
	AmountSat int64         `json:"amountSat"`
	Memo      string        `json:"memo,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	Expiry    time.Duration `json:"expiry"`
	Status    Status        `json:"status"`
}

// ExpiresAt returns the instant the request stops being payable.
func (r *Request) ExpiresAt() time.Time {
	return r.CreatedAt.Add(r.Expiry)
}

// IsExpired reports whether an unpaid request is past its expiry.
func (r *Request) IsExpired(now time.Time) bool {
	if r.Status == StatusPaid {
		return false
	}
	return r.Status == StatusExpired || !now.Before(r.ExpiresAt())
}

// Invoice is an outgoing invoice this wallet may pay.
type Invoice struct {
	ID        string        `json:"id"`
	Bolt11    string        `json:"bolt11"`
	AmountSat int64         `json:"amountSat"`
	Memo      string        `json:"memo,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	Expiry    time.Duration `json:"expiry"`
	Status    Status        `json:"status"`
}

// ExpiresAt returns the instant the invoice stops being payable.
func (i *Invoice) ExpiresAt() time.Time {
	return i.CreatedAt.Add(i.Expiry)
}

// IsExpired reports whether an unpaid invoice is past its expiry.
func (i *Invoice) IsExpired(now time.Time) bool {
	if i.Status == StatusPaid {
		return false
	}
	return i.Status == StatusExpired || !now.Before(i.ExpiresAt())
}

// PaymentEvent notifies a status change of an incoming request.
type PaymentEvent struct {
	RequestID string `json:"requestId"`
	Status    Status `json:"status"`
}

// PayResult is the outcome of a payment attempt. Success=false with a nil
// error means the attempt failed but may be retried later.
type PayResult struct {
	Success bool     `json:"success"`
	Log     []string `json:"log,omitempty"`
}

// Liquidity reports how much the wallet can currently send and receive.
type Liquidity struct {
	SendSat    int64 `json:"sendSat"`
	ReceiveSat int64 `json:"receiveSat"`
}

// -----------------------------------------------------------------------------
// Interface
// -----------------------------------------------------------------------------

// Wallet is the host wallet as seen by the escrow roles.
type Wallet interface {
	// ID identifies the wallet; storage is scoped by it.
	ID() string

	CreateRequest(ctx context.Context, amountSat int64, memo string, expiry time.Duration) (*Request, error)
	GetRequest(ctx context.Context, id string) (*Request, error)
	DeleteRequest(ctx context.Context, id string) error

	SaveInvoice(ctx context.Context, bolt11 string) (*Invoice, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	DeleteInvoice(ctx context.Context, id string) error
	PayInvoice(ctx context.Context, id string) (*PayResult, error)

	// SubscribePayments streams request status changes until ctx is done,
	// then closes the channel.
	SubscribePayments(ctx context.Context) (<-chan PaymentEvent, error)

	Liquidity(ctx context.Context) (Liquidity, error)
	NewAddress(ctx context.Context) (string, error)

	// DeriveIdentityKey deterministically derives a key for purpose from the
	// wallet's master key. Purpose -1 is the long-lived escrow identity,
	// purposes 0.. are one-off per-trade keys.
	DeriveIdentityKey(purpose int) (*nostr.PrivateKey, error)
}
