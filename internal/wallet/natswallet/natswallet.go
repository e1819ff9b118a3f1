// Package natswallet bridges wallet.Wallet to a remote wallet daemon over NATS
// request/reply. Each operation is a request on "<prefix>.<op>" carrying a JSON
// body; replies are {"result": ..., "error": "..."} envelopes. Incoming payment
// notifications are published by the daemon on "<prefix>.payments".
package natswallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mbd888/lnescrow/internal/metrics"
	"github.com/mbd888/lnescrow/internal/nostr"
	"github.com/mbd888/lnescrow/internal/wallet"
)

// Operation names, appended to the subject prefix.
const (
	OpInfo          = "info"
	OpCreateRequest = "create_request"
	OpGetRequest    = "get_request"
	OpDeleteRequest = "delete_request"
	OpSaveInvoice   = "save_invoice"
	OpGetInvoice    = "get_invoice"
	OpDeleteInvoice = "delete_invoice"
	OpPayInvoice    = "pay_invoice"
	OpLiquidity     = "liquidity"
	OpNewAddress    = "new_address"
	OpDeriveKey     = "derive_key"
	SubjectPayments = "payments"
)

// Daemon error strings mapped back onto wallet sentinels.
var remoteErrors = map[string]error{
	"request_not_found": wallet.ErrRequestNotFound,
	"invoice_not_found": wallet.ErrInvoiceNotFound,
	"invalid_invoice":   wallet.ErrInvalidInvoice,
	"invalid_amount":    wallet.ErrInvalidAmount,
	"invoice_expired":   wallet.ErrInvoiceExpired,
	"already_paid":      wallet.ErrAlreadyPaid,
}

// Envelope is the reply body of every operation.
type Envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Err converts the envelope error string into an error, nil if none.
func (e Envelope) Err() error {
	if e.Error == "" {
		return nil
	}
	if sentinel, ok := remoteErrors[e.Error]; ok {
		return sentinel
	}
	return errors.New(e.Error)
}

// Wallet is a wallet.Wallet backed by a remote daemon.
type Wallet struct {
	conn    *nats.Conn
	prefix  string
	id      string
	timeout time.Duration
	logger  *slog.Logger
}

var _ wallet.Wallet = (*Wallet)(nil)

// Dial connects to the NATS server at url and fetches the wallet id from the
// daemon listening on prefix.
func Dial(ctx context.Context, url, prefix string, logger *slog.Logger) (*Wallet, error) {
	conn, err := nats.Connect(url,
		nats.Name("lnescrow"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("wallet bridge disconnected", "error", err)
			metrics.WalletBridgeConnected.Set(0)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("wallet bridge reconnected")
			metrics.WalletBridgeConnected.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect wallet bridge: %w", err)
	}
	metrics.WalletBridgeConnected.Set(1)

	w := &Wallet{conn: conn, prefix: prefix, timeout: 15 * time.Second, logger: logger}
	var info struct {
		ID string `json:"id"`
	}
	if err := w.call(ctx, OpInfo, struct{}{}, &info); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wallet info: %w", err)
	}
	if info.ID == "" {
		conn.Close()
		return nil, errors.New("wallet info: empty wallet id")
	}
	w.id = info.ID
	return w, nil
}

// Close drains the connection.
func (w *Wallet) Close() error {
	return w.conn.Drain()
}

// Subject returns the full subject for op.
func Subject(prefix, op string) string {
	return prefix + "." + op
}

func (w *Wallet) call(ctx context.Context, op string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	msg, err := w.conn.RequestWithContext(ctx, Subject(w.prefix, op), data)
	if err != nil {
		return &wallet.OpError{Op: op, Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return &wallet.OpError{Op: op, Err: fmt.Errorf("decode reply: %w", err)}
	}
	if err := env.Err(); err != nil {
		return err
	}
	if resp == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, resp); err != nil {
		return &wallet.OpError{Op: op, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

type idParam struct {
	ID string `json:"id"`
}

func (w *Wallet) ID() string { return w.id }

func (w *Wallet) CreateRequest(ctx context.Context, amountSat int64, memo string, expiry time.Duration) (*wallet.Request, error) {
	req := struct {
		AmountSat int64  `json:"amountSat"`
		Memo      string `json:"memo"`
		ExpirySec int64  `json:"expirySec"`
	}{amountSat, memo, int64(expiry / time.Second)}
	var out wallet.Request
	if err := w.call(ctx, OpCreateRequest, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (w *Wallet) GetRequest(ctx context.Context, id string) (*wallet.Request, error) {
	var out wallet.Request
	if err := w.call(ctx, OpGetRequest, idParam{id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (w *Wallet) DeleteRequest(ctx context.Context, id string) error {
	return w.call(ctx, OpDeleteRequest, idParam{id}, nil)
}

func (w *Wallet) SaveInvoice(ctx context.Context, bolt11 string) (*wallet.Invoice, error) {
	var out wallet.Invoice
	if err := w.call(ctx, OpSaveInvoice, struct {
		Bolt11 string `json:"bolt11"`
	}{bolt11}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (w *Wallet) GetInvoice(ctx context.Context, id string) (*wallet.Invoice, error) {
	var out wallet.Invoice
	if err := w.call(ctx, OpGetInvoice, idParam{id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (w *Wallet) DeleteInvoice(ctx context.Context, id string) error {
	return w.call(ctx, OpDeleteInvoice, idParam{id}, nil)
}

func (w *Wallet) PayInvoice(ctx context.Context, id string) (*wallet.PayResult, error) {
	var out wallet.PayResult
	if err := w.call(ctx, OpPayInvoice, idParam{id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubscribePayments subscribes to the daemon's payment notifications. Events
// arriving while the channel is full are dropped with a warning.
func (w *Wallet) SubscribePayments(ctx context.Context) (<-chan wallet.PaymentEvent, error) {
	ch := make(chan wallet.PaymentEvent, 64)
	done := make(chan struct{})
	sub, err := w.conn.Subscribe(Subject(w.prefix, SubjectPayments), func(m *nats.Msg) {
		var ev wallet.PaymentEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			w.logger.Warn("malformed payment notification", "error", err)
			return
		}
		select {
		case <-done:
		case ch <- ev:
		default:
			w.logger.Warn("payment notification dropped", "requestId", ev.RequestID)
		}
	})
	if err != nil {
		return nil, &wallet.OpError{Op: "subscribe payments", Err: err}
	}
	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Debug("unsubscribe payments", "error", err)
		}
		close(done)
	}()
	return drain(ch, done), nil
}

// drain forwards in to a fresh channel that is closed once done fires, so the
// NATS callback never sends on a closed channel.
func drain(in chan wallet.PaymentEvent, done <-chan struct{}) <-chan wallet.PaymentEvent {
	out := make(chan wallet.PaymentEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case ev := <-in:
				select {
				case out <- ev:
				case <-done:
					return
				}
			}
		}
	}()
	return out
}

func (w *Wallet) Liquidity(ctx context.Context) (wallet.Liquidity, error) {
	var out wallet.Liquidity
	err := w.call(ctx, OpLiquidity, struct{}{}, &out)
	return out, err
}

func (w *Wallet) NewAddress(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := w.call(ctx, OpNewAddress, struct{}{}, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

// DeriveIdentityKey asks the daemon for the purpose key. The daemon holds the
// master secret so the derivation cannot happen locally.
func (w *Wallet) DeriveIdentityKey(purpose int) (*nostr.PrivateKey, error) {
	var out struct {
		Key string `json:"key"`
	}
	if err := w.call(context.Background(), OpDeriveKey, struct {
		Purpose int `json:"purpose"`
	}{purpose}, &out); err != nil {
		return nil, err
	}
	return nostr.PrivateKeyFromHex(out.Key)
}
