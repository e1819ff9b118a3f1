package client

import (
	"time"

	"github.com/mbd888/lnescrow/internal/contract"
	"github.com/mbd888/lnescrow/internal/escrow"
)

// Trade roles from the client's point of view.
const (
	RoleMaker = "maker"
	RoleTaker = "taker"
)

// Trade is the client's record of one trade. It is persisted only once its
// funding invoice is paid; drafts returned by RequestRegisterEscrow and
// CreateTradeFromPostbox live only in the caller's hands.
type Trade struct {
	ID              string                 `json:"id"`
	State           escrow.TradeState      `json:"state"`
	Role            string                 `json:"role"`
	Contract        contract.TradeContract `json:"contract"`
	Direction       escrow.Direction       `json:"payment_direction"`
	PaymentProtocol escrow.PaymentProtocol `json:"payment_protocol"`
	Network         escrow.Network         `json:"network"`
	OnchainAddress  string                 `json:"onchain_fallback_address,omitempty"`
	AgentPubKey     string                 `json:"agent_pubkey"`
	ProtocolVersion int                    `json:"protocol_version"`
	FeePPM          int64                  `json:"service_fee_ppm"`

	// KeyIndex is the derivation purpose of the per-trade key. PubKey is
	// empty until a key is assigned.
	KeyIndex int    `json:"key_index"`
	PubKey   string `json:"pubkey,omitempty"`

	MakerPubKey    string `json:"maker_pubkey"`
	MakerSignature string `json:"maker_signature"`

	FundingInvoiceID string `json:"funding_invoice_id,omitempty"`
	FundingInvoice   string `json:"funding_invoice,omitempty"`
	Postbox          string `json:"postbox,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FundingAmount is what this client pays into the escrow.
func (t *Trade) FundingAmount() int64 {
	return escrow.FundingAmount(t.Contract.TradeAmountSat, t.Contract.BondSat, t.Direction)
}

// PayoutAmount is what the receiving side gets when the trade finishes.
func (t *Trade) PayoutAmount() int64 {
	return escrow.PayoutAmount(t.Contract.TradeAmountSat, t.Contract.BondSat, t.FeePPM)
}

// setState moves the trade forward. A repeated state is a no-op.
func (t *Trade) setState(to escrow.TradeState, now time.Time) (bool, error) {
	if to == "" || to == t.State {
		return false, nil
	}
	if err := escrow.Transition(t.State, to); err != nil {
		return false, err
	}
	t.State = to
	t.UpdatedAt = now
	return true, nil
}

// TrustedAgent is an agent identity the user chose to follow.
type TrustedAgent struct {
	PubKey  string    `json:"pubkey"`
	AddedAt time.Time `json:"added_at"`
}

// AgentInfo is the latest announcement seen from a trusted agent. Each
// field keeps the timestamp of the event it came from.
type AgentInfo struct {
	PubKey    string               `json:"pubkey"`
	Profile   *escrow.AgentProfile `json:"profile,omitempty"`
	ProfileAt int64                `json:"profile_at,omitempty"`
	Status    *escrow.AgentStatus  `json:"status,omitempty"`
	StatusAt  int64                `json:"status_at,omitempty"`
	Relays    []string             `json:"relays,omitempty"`
	RelaysAt  int64                `json:"relays_at,omitempty"`
}
