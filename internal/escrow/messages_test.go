package escrow

import (
	"errors"
	"testing"

	"github.com/mbd888/lnescrow/internal/contract"
)

func TestDecodeRequest_Dispatch(t *testing.T) {
	reqs := []Request{
		RegisterEscrow{
			Contract:        contract.TradeContract{Title: "bike", Terms: "blue bike", TradeAmountSat: 50000, BondSat: 1000},
			MakerDirection:  DirectionSending,
			PaymentProtocol: ProtocolLightning,
			Network:         Regtest,
			ProtocolVersion: ProtocolVersion,
		},
		AcceptEscrow{TradeID: "t1", TakerDirection: DirectionReceiving},
		CollaborativeConfirm{TradeID: "t1", PayoutInvoice: "lnbc1"},
		CollaborativeCancel{TradeID: "t1"},
		RequestMediation{TradeID: "t1", Reason: "no delivery"},
	}
	for _, req := range reqs {
		raw, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("encode %s: %v", req.Method(), err)
		}
		got, err := DecodeRequest(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", req.Method(), err)
		}
		if got.Method() != req.Method() {
			t.Fatalf("decoded %s as %s", req.Method(), got.Method())
		}
	}
}

func TestDecodeRequest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `hello`, ErrMalformedMessage},
		{"no params", `{"method":"register_escrow"}`, ErrMalformedMessage},
		{"wrong param types", `{"method":"accept_escrow","params":{"trade_id":7}}`, ErrMalformedMessage},
		{"unknown method", `{"method":"withdraw_all","params":{}}`, ErrUnknownMethod},
		{"notification is not a request", `{"method":"trade_funded","params":{}}`, ErrUnknownMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRequest([]byte(tt.raw)); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAgentProfileValidate(t *testing.T) {
	good := AgentProfile{Name: "Alice Escrow", ServiceFeePPM: 5000}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid profile rejected: %v", err)
	}
	var verr *ValidationError
	if err := (AgentProfile{}).Validate(); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for empty name, got %v", err)
	}
	if err := (AgentProfile{Name: "x", ServiceFeePPM: 2_000_000}).Validate(); err == nil {
		t.Fatal("fee above 100% accepted")
	}
}
