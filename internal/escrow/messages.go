package escrow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/lnescrow/internal/contract"
)

// Method names an RPC carried in an ephemeral request event.
type Method string

const (
	MethodRegisterEscrow       Method = "register_escrow"
	MethodAcceptEscrow         Method = "accept_escrow"
	MethodCollaborativeConfirm Method = "collaborative_confirm"
	MethodCollaborativeCancel  Method = "collaborative_cancel"
	MethodRequestMediation     Method = "request_mediation"

	// MethodTradeFunded is a notification sent by the agent, never a request.
	MethodTradeFunded Method = "trade_funded"
)

var (
	ErrUnknownMethod    = errors.New("escrow: unknown method")
	ErrMalformedMessage = errors.New("escrow: malformed message")
)

// Request is one of the closed set of agent RPCs. The unexported marker
// keeps the set closed so a type switch over it is exhaustive.
type Request interface {
	Method() Method
	isRequest()
}

// RegisterEscrow asks the agent to register a new trade for the maker.
type RegisterEscrow struct {
	Contract        contract.TradeContract `json:"contract"`
	MakerSignature  string                 `json:"maker_signature"`
	MakerDirection  Direction              `json:"payment_direction"`
	PaymentProtocol PaymentProtocol        `json:"payment_protocol"`
	Network         Network                `json:"network"`
	ProtocolVersion int                    `json:"protocol_version"`
	OnchainAddress  string                 `json:"onchain_fallback_address"`
}

// AcceptEscrow joins an already funded trade as taker.
type AcceptEscrow struct {
	TradeID         string    `json:"trade_id"`
	TakerSignature  string    `json:"taker_signature"`
	TakerDirection  Direction `json:"payment_direction"`
	Network         Network   `json:"network"`
	ProtocolVersion int       `json:"protocol_version"`
	OnchainAddress  string    `json:"onchain_fallback_address"`
}

// CollaborativeConfirm declares the trade fulfilled. The receiving party
// attaches the invoice its payout goes to.
type CollaborativeConfirm struct {
	TradeID       string `json:"trade_id"`
	PayoutInvoice string `json:"payout_invoice,omitempty"`
}

// CollaborativeCancel asks to unwind the trade. Each party that funded
// attaches a refund invoice for what it paid.
type CollaborativeCancel struct {
	TradeID       string `json:"trade_id"`
	RefundInvoice string `json:"refund_invoice,omitempty"`
}

// RequestMediation escalates a trade to manual resolution.
type RequestMediation struct {
	TradeID string `json:"trade_id"`
	Reason  string `json:"reason"`
}

func (RegisterEscrow) Method() Method       { return MethodRegisterEscrow }
func (AcceptEscrow) Method() Method         { return MethodAcceptEscrow }
func (CollaborativeConfirm) Method() Method { return MethodCollaborativeConfirm }
func (CollaborativeCancel) Method() Method  { return MethodCollaborativeCancel }
func (RequestMediation) Method() Method     { return MethodRequestMediation }

func (RegisterEscrow) isRequest()       {}
func (AcceptEscrow) isRequest()         {}
func (CollaborativeConfirm) isRequest() {}
func (CollaborativeCancel) isRequest()  {}
func (RequestMediation) isRequest()     {}

type envelope struct {
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// EncodeRequest wraps r as {"method": ..., "params": ...}.
func EncodeRequest(r Request) ([]byte, error) {
	params, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.Method(), err)
	}
	return json.Marshal(envelope{Method: r.Method(), Params: params})
}

// DecodeRequest parses an envelope produced by EncodeRequest.
func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(env.Params) == 0 {
		return nil, fmt.Errorf("%w: missing params", ErrMalformedMessage)
	}
	var (
		req Request
		err error
	)
	switch env.Method {
	case MethodRegisterEscrow:
		req, err = decodeParams[RegisterEscrow](env.Params)
	case MethodAcceptEscrow:
		req, err = decodeParams[AcceptEscrow](env.Params)
	case MethodCollaborativeConfirm:
		req, err = decodeParams[CollaborativeConfirm](env.Params)
	case MethodCollaborativeCancel:
		req, err = decodeParams[CollaborativeCancel](env.Params)
	case MethodRequestMediation:
		req, err = decodeParams[RequestMediation](env.Params)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, env.Method)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Method, err)
	}
	return req, nil
}

func decodeParams[T Request](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// Response answers a Request. Error is set on validation failures; the
// remaining fields depend on the method.
type Response struct {
	Error   string     `json:"error,omitempty"`
	TradeID string     `json:"trade_id,omitempty"`
	Invoice string     `json:"invoice,omitempty"`
	State   TradeState `json:"state,omitempty"`
	// FeePPM is the service fee locked in at registration.
	FeePPM int64 `json:"service_fee_ppm,omitempty"`
}

// ValidationError is an inbound request problem reported back to the
// sender. Its message goes on the wire verbatim.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Invalidf builds a ValidationError.
func Invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Notification is an asynchronous agent-to-client message sent as a direct
// message.
type Notification struct {
	Method  Method     `json:"method"`
	TradeID string     `json:"trade_id"`
	State   TradeState `json:"state,omitempty"`
}

// TradeParticipant is one side of a trade as recorded by the agent.
type TradeParticipant struct {
	PubKey           string    `json:"pubkey"`
	FundingRequestID string    `json:"funding_request_id"`
	OnchainAddress   string    `json:"onchain_fallback_address"`
	Signature        string    `json:"signature"`
	Direction        Direction `json:"payment_direction"`
}

// AgentProfile is the kind-0 metadata an agent publishes.
type AgentProfile struct {
	Name           string   `json:"name"`
	About          string   `json:"about,omitempty"`
	Languages      []string `json:"languages,omitempty"`
	ServiceFeePPM  int64    `json:"service_fee_ppm"`
	GPGFingerprint string   `json:"gpg_fingerprint,omitempty"`
	Picture        string   `json:"picture,omitempty"`
	Website        string   `json:"website,omitempty"`
}

// Validate checks the profile before it is saved or broadcast.
func (p AgentProfile) Validate() error {
	switch {
	case p.Name == "":
		return Invalidf("profile name is required")
	case len(p.Name) > 100:
		return Invalidf("profile name too long")
	case len(p.About) > MaxReasonLen:
		return Invalidf("profile description too long")
	case p.ServiceFeePPM < 0 || p.ServiceFeePPM > 1_000_000:
		return Invalidf("service fee must be between 0 and 1000000 ppm")
	}
	return nil
}

// AgentStatus is the liquidity the agent advertises in its status event.
type AgentStatus struct {
	InboundLiquiditySat  int64 `json:"inbound_liquidity"`
	OutboundLiquiditySat int64 `json:"outbound_liquidity"`
}

// PostboxPayload is what a maker hands to the taker through a postbox.
type PostboxPayload struct {
	TradeID         string                 `json:"trade_id"`
	AgentPubKey     string                 `json:"agent_pubkey"`
	Contract        contract.TradeContract `json:"contract"`
	MakerPubKey     string                 `json:"maker_pubkey"`
	MakerSignature  string                 `json:"maker_signature"`
	TakerDirection  Direction              `json:"taker_payment_direction"`
	PaymentProtocol PaymentProtocol        `json:"payment_protocol"`
	Network         Network                `json:"network"`
	ProtocolVersion int                    `json:"protocol_version"`
}
