// Package escrow holds what both escrow roles share: protocol constants, the
// trade state machine, wire messages, the relay messenger and the actor
// runtime the agent and client are built on.
//
// Trade lifecycle:
//
//	WAITING_FOR_TAKER --taker funds--> ONGOING --either party--> MEDIATION
//	ONGOING --both confirm--> FINISHED
//	WAITING_FOR_TAKER | ONGOING --cancel--> CANCELLED
//
// MEDIATION, FINISHED and CANCELLED are terminal for automated logic.
package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// ProtocolVersion must match exactly between agent and client.
const ProtocolVersion = 1

// Protocol limits and timings.
const (
	MinTradeAmountSat = 1000
	MaxPendingTrades  = 200
	MaxAddressLen     = 100
	MaxReasonLen      = 2000

	StatusInterval    = 30 * time.Minute
	ProfileInterval   = 1_209_600 * time.Second
	RelayListInterval = 1_209_800 * time.Second

	StatusExpiry        = StatusInterval + 2_600_000*time.Second
	ProfileExpiry       = ProfileInterval + 7_700_000*time.Second
	RelayListExpiry     = RelayListInterval + 7_700_000*time.Second
	DirectMessageExpiry = 15_552_000 * time.Second

	FundingRequestExpiry = time.Hour
	PayoutTimeout        = 7_776_000 * time.Second
	PayoutRetryInterval  = 30 * time.Minute

	ResponseTimeout = 30 * time.Second
	PostboxTimeout  = 30 * time.Second
)

// ProtocolTag is the value of the "d" tag that scopes every escrow event to
// one protocol version.
func ProtocolTag() string {
	return fmt.Sprintf("lnescrow-%d", ProtocolVersion)
}

// -----------------------------------------------------------------------------
// Trade state
// -----------------------------------------------------------------------------

var (
	ErrInvalidTransition = errors.New("escrow: invalid state transition")
	ErrUnknownState      = errors.New("escrow: unknown trade state")
)

// TradeState is the lifecycle position of a trade.
type TradeState string

const (
	StateWaitingForTaker TradeState = "waiting_for_taker"
	StateOngoing         TradeState = "ongoing"
	StateMediation       TradeState = "mediation"
	StateFinished        TradeState = "finished"
	StateCancelled       TradeState = "cancelled"
)

var transitions = map[TradeState][]TradeState{
	StateWaitingForTaker: {StateOngoing, StateCancelled},
	StateOngoing:         {StateMediation, StateFinished, StateCancelled},
}

// Valid reports whether s is a known state.
func (s TradeState) Valid() bool {
	switch s {
	case StateWaitingForTaker, StateOngoing, StateMediation, StateFinished, StateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether automated logic can no longer move the trade.
func (s TradeState) IsTerminal() bool {
	return s == StateMediation || s == StateFinished || s == StateCancelled
}

// Transition validates the move from -> to. It is the only place the state
// machine is defined; both roles go through it.
func Transition(from, to TradeState) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %q -> %q", ErrUnknownState, from, to)
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// -----------------------------------------------------------------------------
// Payment protocol, direction and network
// -----------------------------------------------------------------------------

// PaymentProtocol is the rail a trade settles on.
type PaymentProtocol string

const (
	ProtocolOnchain   PaymentProtocol = "onchain"
	ProtocolLightning PaymentProtocol = "lightning"
)

// SupportedPaymentProtocols lists the rails this build settles. On-chain
// settlement is reserved for a later version.
var SupportedPaymentProtocols = []PaymentProtocol{ProtocolLightning}

// Supported reports whether p can be used for new trades.
func (p PaymentProtocol) Supported() bool {
	for _, s := range SupportedPaymentProtocols {
		if p == s {
			return true
		}
	}
	return false
}

// Direction says whether a party sends or receives the trade amount.
type Direction string

const (
	DirectionSending   Direction = "sending"
	DirectionReceiving Direction = "receiving"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionSending || d == DirectionReceiving
}

// Opposite returns the counterparty's direction.
func (d Direction) Opposite() Direction {
	if d == DirectionSending {
		return DirectionReceiving
	}
	return DirectionSending
}

// Network is the Bitcoin network a trade settles on.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// ErrUnknownNetwork is returned by ParseNetwork.
var ErrUnknownNetwork = errors.New("escrow: unknown network")

// ParseNetwork accepts the canonical names plus "bitcoin" and "testnet3".
func ParseNetwork(s string) (Network, error) {
	switch s {
	case "mainnet", "bitcoin":
		return Mainnet, nil
	case "testnet", "testnet3":
		return Testnet, nil
	case "signet":
		return Signet, nil
	case "regtest":
		return Regtest, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
}

// Params returns the chain parameters used to validate addresses.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Testnet:
		return &chaincfg.TestNet3Params
	case Signet:
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.RegressionNetParams
	}
}

// Tag is the value of the "r" tag that keeps networks apart on shared relays.
func (n Network) Tag() string {
	return "net:" + string(n)
}

// -----------------------------------------------------------------------------
// Amounts
// -----------------------------------------------------------------------------

// FundingAmount is what a party with direction d owes the agent. The sender
// of the trade amount pays it in full; the receiver pays the bond.
func FundingAmount(tradeAmountSat, bondSat int64, d Direction) int64 {
	if d == DirectionSending {
		return tradeAmountSat
	}
	return bondSat
}

// Fee returns the agent's fee on amountSat at feePPM parts per million,
// rounded down.
func Fee(amountSat, feePPM int64) int64 {
	if feePPM <= 0 {
		return 0
	}
	return amountSat * feePPM / 1_000_000
}

// PayoutAmount is what the receiving party gets when a trade finishes.
func PayoutAmount(tradeAmountSat, bondSat, feePPM int64) int64 {
	return tradeAmountSat + bondSat - Fee(tradeAmountSat, feePPM)
}

// IdentityPurpose is the key derivation purpose of an agent's long-lived
// identity. Trade keys use purposes 0, 1, 2, ...
const IdentityPurpose = -1

// Roles, as reported to observers.
const (
	RoleAgent  = "agent"
	RoleClient = "client"
)

// Observer is told about trade state changes, e.g. to push them to a UI.
type Observer interface {
	TradeChanged(role, tradeID string, state TradeState)
}

type nopObserver struct{}

func (nopObserver) TradeChanged(string, string, TradeState) {}

// NopObserver discards notifications.
var NopObserver Observer = nopObserver{}

type observers []Observer

func (o observers) TradeChanged(role, tradeID string, state TradeState) {
	for _, obs := range o {
		obs.TradeChanged(role, tradeID, state)
	}
}

// Observers fans each notification out to every non-nil obs in order.
func Observers(obs ...Observer) Observer {
	var out observers
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return NopObserver
	}
	return out
}
