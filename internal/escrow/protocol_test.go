package escrow

import (
	"errors"
	"testing"
)

func TestTransition_Edges(t *testing.T) {
	all := []TradeState{StateWaitingForTaker, StateOngoing, StateMediation, StateFinished, StateCancelled}
	allowed := map[[2]TradeState]bool{
		{StateWaitingForTaker, StateOngoing}:   true,
		{StateWaitingForTaker, StateCancelled}: true,
		{StateOngoing, StateMediation}:         true,
		{StateOngoing, StateFinished}:          true,
		{StateOngoing, StateCancelled}:         true,
	}

	for _, from := range all {
		for _, to := range all {
			err := Transition(from, to)
			if allowed[[2]TradeState{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
		}
	}
}

func TestTransition_NeverMovesBackward(t *testing.T) {
	order := map[TradeState]int{
		StateWaitingForTaker: 0,
		StateOngoing:         1,
		StateMediation:       2,
		StateFinished:        2,
		StateCancelled:       2,
	}
	for from, next := range transitions {
		for _, to := range next {
			if order[to] <= order[from] {
				t.Errorf("edge %s -> %s goes backward", from, to)
			}
		}
	}
}

func TestTransition_UnknownState(t *testing.T) {
	if err := Transition("paused", StateOngoing); !errors.Is(err, ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []TradeState{StateMediation, StateFinished, StateCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TradeState{StateWaitingForTaker, StateOngoing} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestFundingAmount(t *testing.T) {
	tests := []struct {
		name  string
		dir   Direction
		want  int64
		trade int64
		bond  int64
	}{
		{"maker sends", DirectionSending, 100000, 100000, 3000},
		{"maker receives", DirectionReceiving, 3000, 100000, 3000},
		{"receiver with no bond", DirectionReceiving, 0, 5000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			maker := FundingAmount(tt.trade, tt.bond, tt.dir)
			if maker != tt.want {
				t.Fatalf("maker owes %d, want %d", maker, tt.want)
			}
			taker := FundingAmount(tt.trade, tt.bond, tt.dir.Opposite())
			if maker+taker != tt.trade+tt.bond {
				t.Fatalf("maker %d + taker %d != trade %d + bond %d", maker, taker, tt.trade, tt.bond)
			}
		})
	}
}

func TestPayoutAmount(t *testing.T) {
	if got := PayoutAmount(100000, 3000, 10000); got != 102000 {
		t.Fatalf("payout = %d, want 102000", got)
	}
	if got := PayoutAmount(100000, 3000, 0); got != 103000 {
		t.Fatalf("payout without fee = %d, want 103000", got)
	}
	if got := Fee(999, 1000); got != 0 {
		t.Fatalf("fee rounds down, got %d", got)
	}
}

func TestParseNetwork(t *testing.T) {
	for in, want := range map[string]Network{
		"mainnet": Mainnet, "bitcoin": Mainnet, "testnet3": Testnet, "signet": Signet, "regtest": Regtest,
	} {
		got, err := ParseNetwork(in)
		if err != nil || got != want {
			t.Errorf("ParseNetwork(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseNetwork("litecoin"); !errors.Is(err, ErrUnknownNetwork) {
		t.Fatalf("expected ErrUnknownNetwork, got %v", err)
	}
	if Testnet.Params().Name != "testnet3" {
		t.Fatalf("unexpected params %s", Testnet.Params().Name)
	}
}

func TestPaymentProtocolSupported(t *testing.T) {
	if !ProtocolLightning.Supported() {
		t.Fatal("lightning must be supported")
	}
	if ProtocolOnchain.Supported() {
		t.Fatal("onchain settlement is not implemented")
	}
}

type recordingObserver struct{ got []string }

func (r *recordingObserver) TradeChanged(role, tradeID string, state TradeState) {
	r.got = append(r.got, role+"/"+tradeID+"/"+string(state))
}

func TestObservers_FansOut(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	obs := Observers(a, nil, b)
	obs.TradeChanged(RoleAgent, "t1", StateOngoing)
	if len(a.got) != 1 || len(b.got) != 1 || a.got[0] != "agent/t1/ongoing" {
		t.Fatalf("a=%v b=%v", a.got, b.got)
	}
	if Observers() != NopObserver || Observers(nil) != NopObserver {
		t.Fatal("empty fan-out should be the nop observer")
	}
}
