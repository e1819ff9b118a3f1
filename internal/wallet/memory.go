package wallet

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/mbd888/lnescrow/internal/nostr"
)

// MemoryNetwork routes payments between MemoryWallets by bolt11 string.
// It stands in for the Lightning network in tests and demos.
type MemoryNetwork struct {
	mu       sync.RWMutex
	requests map[string]*MemoryWallet // bolt11 -> payee
}

// NewMemoryNetwork creates an empty payment network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{requests: make(map[string]*MemoryWallet)}
}

func (n *MemoryNetwork) register(bolt11 string, w *MemoryWallet) {
	n.mu.Lock()
	n.requests[bolt11] = w
	n.mu.Unlock()
}

func (n *MemoryNetwork) unregister(bolt11 string) {
	n.mu.Lock()
	delete(n.requests, bolt11)
	n.mu.Unlock()
}

func (n *MemoryNetwork) payee(bolt11 string) *MemoryWallet {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.requests[bolt11]
}

// MemoryWallet is an in-memory Wallet. Requests it creates can be paid by any
// other MemoryWallet attached to the same MemoryNetwork.
type MemoryWallet struct {
	id      string
	network *MemoryNetwork
	params  *chaincfg.Params

	mu          sync.Mutex
	requests    map[string]*Request
	invoices    map[string]*Invoice
	balanceSat  int64
	inboundSat  int64
	subscribers []chan PaymentEvent
	failNext    int
	payErr      error
	payAttempts int
	now         func() time.Time
}

// NewMemoryWallet creates a wallet with the given id and spendable balance.
func NewMemoryWallet(id string, network *MemoryNetwork, params *chaincfg.Params, balanceSat int64) *MemoryWallet {
	if params == nil {
		params = &chaincfg.RegressionNetParams
	}
	return &MemoryWallet{
		id:         id,
		network:    network,
		params:     params,
		requests:   make(map[string]*Request),
		invoices:   make(map[string]*Invoice),
		balanceSat: balanceSat,
		inboundSat: 10_000_000,
		now:        time.Now,
	}
}

// SetClock overrides the wallet's time source.
func (w *MemoryWallet) SetClock(now func() time.Time) {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
}

// FailNextPayments makes the next n PayInvoice calls report a retryable failure.
func (w *MemoryWallet) FailNextPayments(n int) {
	w.mu.Lock()
	w.failNext = n
	w.mu.Unlock()
}

// SetPayError makes every PayInvoice call return err until cleared with nil.
func (w *MemoryWallet) SetPayError(err error) {
	w.mu.Lock()
	w.payErr = err
	w.mu.Unlock()
}

// PayAttempts returns how many times PayInvoice reached the network.
func (w *MemoryWallet) PayAttempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.payAttempts
}

// Balance returns the spendable balance.
func (w *MemoryWallet) Balance() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balanceSat
}

func (w *MemoryWallet) ID() string { return w.id }

func (w *MemoryWallet) CreateRequest(_ context.Context, amountSat int64, memo string, expiry time.Duration) (*Request, error) {
	if amountSat <= 0 {
		return nil, ErrInvalidAmount
	}
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, &OpError{Op: "create request", Err: err}
	}
	hash := sha256.Sum256(preimage)
	id := hex.EncodeToString(hash[:])

	w.mu.Lock()
	req := &Request{
		ID:        id,
		Bolt11:    fmt.Sprintf("lnmem%d1%s", amountSat, id),
		AmountSat: amountSat,
		Memo:      memo,
		CreatedAt: w.now(),
		Expiry:    expiry,
		Status:    StatusUnpaid,
	}
	w.requests[id] = req
	w.mu.Unlock()

	if w.network != nil {
		w.network.register(req.Bolt11, w)
	}
	cp := *req
	return &cp, nil
}

func (w *MemoryWallet) GetRequest(_ context.Context, id string) (*Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *req
	if cp.Status == StatusUnpaid && cp.IsExpired(w.now()) {
		cp.Status = StatusExpired
	}
	return &cp, nil
}

func (w *MemoryWallet) DeleteRequest(_ context.Context, id string) error {
	w.mu.Lock()
	req, ok := w.requests[id]
	if ok {
		delete(w.requests, id)
	}
	w.mu.Unlock()
	if !ok {
		return ErrRequestNotFound
	}
	if w.network != nil {
		w.network.unregister(req.Bolt11)
	}
	return nil
}

// SaveInvoice records an outgoing invoice. Only invoices issued on the same
// MemoryNetwork can be decoded.
func (w *MemoryWallet) SaveInvoice(_ context.Context, bolt11 string) (*Invoice, error) {
	if w.network == nil {
		return nil, ErrInvalidInvoice
	}
	payee := w.network.payee(bolt11)
	if payee == nil {
		return nil, ErrInvalidInvoice
	}
	req, err := payee.requestByBolt11(bolt11)
	if err != nil {
		return nil, ErrInvalidInvoice
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.invoices[req.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	inv := &Invoice{
		ID:        req.ID,
		Bolt11:    bolt11,
		AmountSat: req.AmountSat,
		Memo:      req.Memo,
		CreatedAt: req.CreatedAt,
		Expiry:    req.Expiry,
		Status:    StatusUnpaid,
	}
	if req.Status == StatusPaid {
		inv.Status = StatusPaid
	}
	w.invoices[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

func (w *MemoryWallet) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	inv, ok := w.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	if cp.Status == StatusUnpaid && cp.IsExpired(w.now()) {
		cp.Status = StatusExpired
	}
	return &cp, nil
}

func (w *MemoryWallet) DeleteInvoice(_ context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.invoices[id]; !ok {
		return ErrInvoiceNotFound
	}
	delete(w.invoices, id)
	return nil
}

func (w *MemoryWallet) PayInvoice(ctx context.Context, id string) (*PayResult, error) {
	w.mu.Lock()
	inv, ok := w.invoices[id]
	if !ok {
		w.mu.Unlock()
		return nil, ErrInvoiceNotFound
	}
	w.payAttempts++
	switch {
	case w.payErr != nil:
		err := w.payErr
		w.mu.Unlock()
		return nil, &OpError{Op: "pay invoice", ID: id, Err: err}
	case inv.Status == StatusPaid:
		w.mu.Unlock()
		return nil, ErrAlreadyPaid
	case inv.IsExpired(w.now()):
		w.mu.Unlock()
		return nil, ErrInvoiceExpired
	case w.failNext > 0:
		w.failNext--
		w.mu.Unlock()
		return &PayResult{Success: false, Log: []string{"no route found"}}, nil
	case w.balanceSat < inv.AmountSat:
		w.mu.Unlock()
		return &PayResult{Success: false, Log: []string{"insufficient balance"}}, nil
	}
	bolt11, amount := inv.Bolt11, inv.AmountSat
	w.mu.Unlock()

	payee := w.network.payee(bolt11)
	if payee == nil {
		return &PayResult{Success: false, Log: []string{"payee unreachable"}}, nil
	}
	if err := payee.settle(ctx, bolt11, amount); err != nil {
		return &PayResult{Success: false, Log: []string{err.Error()}}, nil
	}

	w.mu.Lock()
	w.balanceSat -= amount
	w.inboundSat += amount
	if inv, ok := w.invoices[id]; ok {
		inv.Status = StatusPaid
	}
	w.mu.Unlock()
	return &PayResult{Success: true, Log: []string{"settled " + strconv.FormatInt(amount, 10) + " sat"}}, nil
}

// MarkPaid settles an incoming request directly, as if paid from outside the
// MemoryNetwork.
func (w *MemoryWallet) MarkPaid(ctx context.Context, id string) error {
	w.mu.Lock()
	req, ok := w.requests[id]
	w.mu.Unlock()
	if !ok {
		return ErrRequestNotFound
	}
	return w.settle(ctx, req.Bolt11, req.AmountSat)
}

func (w *MemoryWallet) requestByBolt11(bolt11 string) (*Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, req := range w.requests {
		if req.Bolt11 == bolt11 {
			cp := *req
			return &cp, nil
		}
	}
	return nil, ErrRequestNotFound
}

func (w *MemoryWallet) settle(_ context.Context, bolt11 string, amount int64) error {
	w.mu.Lock()
	var req *Request
	for _, r := range w.requests {
		if r.Bolt11 == bolt11 {
			req = r
			break
		}
	}
	switch {
	case req == nil:
		w.mu.Unlock()
		return ErrRequestNotFound
	case req.Status == StatusPaid:
		w.mu.Unlock()
		return ErrAlreadyPaid
	case req.IsExpired(w.now()):
		w.mu.Unlock()
		return ErrInvoiceExpired
	case amount < req.AmountSat:
		w.mu.Unlock()
		return ErrInvalidAmount
	}
	req.Status = StatusPaid
	w.balanceSat += amount
	w.inboundSat -= amount
	ev := PaymentEvent{RequestID: req.ID, Status: StatusPaid}
	// Sent under the lock so an unsubscribing reader cannot close the
	// channel mid-send. Slow subscribers miss the event.
	for _, ch := range w.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	w.mu.Unlock()
	return nil
}

func (w *MemoryWallet) SubscribePayments(ctx context.Context) (<-chan PaymentEvent, error) {
	ch := make(chan PaymentEvent, 64)
	w.mu.Lock()
	w.subscribers = append(w.subscribers, ch)
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		for i, c := range w.subscribers {
			if c == ch {
				w.subscribers = append(w.subscribers[:i], w.subscribers[i+1:]...)
				break
			}
		}
		close(ch)
		w.mu.Unlock()
	}()
	return ch, nil
}

func (w *MemoryWallet) Liquidity(context.Context) (Liquidity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Liquidity{SendSat: w.balanceSat, ReceiveSat: w.inboundSat}, nil
}

// NewAddress returns a fresh P2WPKH address on the wallet's network.
func (w *MemoryWallet) NewAddress(context.Context) (string, error) {
	program := make([]byte, 20)
	if _, err := rand.Read(program); err != nil {
		return "", &OpError{Op: "new address", Err: err}
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(program, w.params)
	if err != nil {
		return "", &OpError{Op: "new address", Err: err}
	}
	return addr.EncodeAddress(), nil
}

// DeriveIdentityKey returns sha256("nostr_escrow:" + id + purpose) as a key.
func (w *MemoryWallet) DeriveIdentityKey(purpose int) (*nostr.PrivateKey, error) {
	return DeriveKey(w.id, purpose)
}

// DeriveKey is the deterministic identity derivation shared by wallet
// implementations that hold their master secret locally.
func DeriveKey(masterID string, purpose int) (*nostr.PrivateKey, error) {
	digest := sha256.Sum256([]byte("nostr_escrow:" + masterID + strconv.Itoa(purpose)))
	return nostr.PrivateKeyFromBytes(digest[:])
}
