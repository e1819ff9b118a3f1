package agent

import (
	"slices"
	"time"

	"github.com/mbd888/lnescrow/internal/contract"
	"github.com/mbd888/lnescrow/internal/escrow"
)

// Trade is the agent's record of an escrow trade.
type Trade struct {
	ID              string                   `json:"id"`
	State           escrow.TradeState        `json:"state"`
	Maker           escrow.TradeParticipant  `json:"maker"`
	Taker           *escrow.TradeParticipant `json:"taker,omitempty"`
	Contract        contract.TradeContract   `json:"contract"`
	PaymentProtocol escrow.PaymentProtocol   `json:"payment_protocol"`
	ProtocolVersion int                      `json:"protocol_version"`
	FeePPM          int64                    `json:"service_fee_ppm"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`

	Confirmations   []string          `json:"confirmations,omitempty"`
	Cancellations   []string          `json:"cancellations,omitempty"`
	PayoutInvoiceID string            `json:"payout_invoice_id,omitempty"`
	RefundInvoices  map[string]string `json:"refund_invoices,omitempty"`
	MediationReason string            `json:"mediation_reason,omitempty"`
	MediationBy     string            `json:"mediation_requested_by,omitempty"`
}

// Participant returns the side of the trade pubkey belongs to.
func (t *Trade) Participant(pubkey string) (*escrow.TradeParticipant, bool) {
	if t.Maker.PubKey == pubkey {
		return &t.Maker, true
	}
	if t.Taker != nil && t.Taker.PubKey == pubkey {
		return t.Taker, true
	}
	return nil, false
}

// Paid returns what p paid into the trade.
func (t *Trade) Paid(p *escrow.TradeParticipant) int64 {
	return escrow.FundingAmount(t.Contract.TradeAmountSat, t.Contract.BondSat, p.Direction)
}

// Payout returns what the receiving party gets when the trade finishes.
func (t *Trade) Payout() int64 {
	return escrow.PayoutAmount(t.Contract.TradeAmountSat, t.Contract.BondSat, t.FeePPM)
}

// participants returns everyone who has funded the trade.
func (t *Trade) participants() []*escrow.TradeParticipant {
	out := []*escrow.TradeParticipant{&t.Maker}
	if t.Taker != nil {
		out = append(out, t.Taker)
	}
	return out
}

func addOnce(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func (t *Trade) setState(to escrow.TradeState, now time.Time) error {
	if err := escrow.Transition(t.State, to); err != nil {
		return err
	}
	t.State = to
	t.UpdatedAt = now
	return nil
}

// Payout is a scheduled outgoing payment, keyed by the wallet invoice id.
type Payout struct {
	InvoiceID   string    `json:"invoice_id"`
	TradeID     string    `json:"trade_id"`
	Kind        string    `json:"kind"`
	NextAttempt time.Time `json:"next_attempt"`
	Guard       uint64    `json:"guard"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

// Payout kinds.
const (
	PayoutSettlement = "settlement"
	PayoutRefund     = "refund"
)

// takerOffer is an accepted but not yet funded taker.
type takerOffer struct {
	TradeID string
	Taker   escrow.TradeParticipant
	Bolt11  string
}

// pendingSet is a bounded set of unfunded entries keyed by their funding
// request id. Adding past capacity evicts the oldest entries by creation time.
type pendingSet[T any] struct {
	capacity int
	seq      uint64
	items    map[string]*pendingEntry[T]
}

type pendingEntry[T any] struct {
	RequestID string
	CreatedAt time.Time
	Value     T
	seq       uint64
}

func newPendingSet[T any](capacity int) *pendingSet[T] {
	return &pendingSet[T]{capacity: capacity, items: make(map[string]*pendingEntry[T])}
}

// Add inserts v and returns whatever had to be evicted to stay in capacity.
func (s *pendingSet[T]) Add(requestID string, createdAt time.Time, v T) []pendingEntry[T] {
	s.seq++
	s.items[requestID] = &pendingEntry[T]{RequestID: requestID, CreatedAt: createdAt, Value: v, seq: s.seq}
	var evicted []pendingEntry[T]
	for len(s.items) > s.capacity {
		oldest := s.oldest()
		delete(s.items, oldest.RequestID)
		evicted = append(evicted, *oldest)
	}
	return evicted
}

func (s *pendingSet[T]) oldest() *pendingEntry[T] {
	var o *pendingEntry[T]
	for _, e := range s.items {
		if o == nil || e.CreatedAt.Before(o.CreatedAt) || (e.CreatedAt.Equal(o.CreatedAt) && e.seq < o.seq) {
			o = e
		}
	}
	return o
}

// Remove deletes and returns the entry for requestID.
func (s *pendingSet[T]) Remove(requestID string) (T, bool) {
	e, ok := s.items[requestID]
	if !ok {
		var zero T
		return zero, false
	}
	delete(s.items, requestID)
	return e.Value, true
}

func (s *pendingSet[T]) Len() int { return len(s.items) }

// Entries returns a snapshot of all entries.
func (s *pendingSet[T]) Entries() []pendingEntry[T] {
	out := make([]pendingEntry[T], 0, len(s.items))
	for _, e := range s.items {
		out = append(out, *e)
	}
	return out
}
