package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/mbd888/lnescrow/internal/nostr"
)

func sampleContract() TradeContract {
	return TradeContract{
		Title:          "Used bicycle",
		Terms:          "Seller ships within 3 days, buyer confirms on arrival.",
		TradeAmountSat: 100_000,
		BondSat:        3_000,
	}
}

func TestHash_MatchesCanonicalPreimage(t *testing.T) {
	c := sampleContract()
	want := sha256.Sum256([]byte("ESCROW" + c.Title + c.Terms + "100000" + "3000"))
	got := c.Hash()
	if hex.EncodeToString(got[:]) != hex.EncodeToString(want[:]) {
		t.Fatalf("hash mismatch: got %x want %x", got, want)
	}
}

func TestHash_Deterministic(t *testing.T) {
	if sampleContract().Hash() != sampleContract().Hash() {
		t.Fatal("hash must be deterministic")
	}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	key, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	c := sampleContract()
	sig, err := SignContract(c, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyContract(c, sig, key.PublicKey()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSignVerify_AnyFieldMutationInvalidates(t *testing.T) {
	key, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	c := sampleContract()
	sig, err := SignContract(c, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	mutations := map[string]func(*TradeContract){
		"title":  func(c *TradeContract) { c.Title += "!" },
		"terms":  func(c *TradeContract) { c.Terms = strings.ToUpper(c.Terms) },
		"amount": func(c *TradeContract) { c.TradeAmountSat++ },
		"bond":   func(c *TradeContract) { c.BondSat = 0 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			m := c
			mutate(&m)
			if err := VerifyContract(m, sig, key.PublicKey()); !errors.Is(err, ErrInvalidSigner) {
				t.Fatalf("expected ErrInvalidSigner after mutating %s, got %v", name, err)
			}
		})
	}
}

func TestVerify_WrongSigner(t *testing.T) {
	a, _ := nostr.GeneratePrivateKey()
	b, _ := nostr.GeneratePrivateKey()
	c := sampleContract()
	sig, err := SignContract(c, a)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if Verify(c.Hash(), sig, b.PublicKey()) {
		t.Fatal("signature must not verify for another key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TradeContract)
		want   error
	}{
		{"valid", func(*TradeContract) {}, nil},
		{"missing title", func(c *TradeContract) { c.Title = "" }, ErrTitleRequired},
		{"long title", func(c *TradeContract) { c.Title = strings.Repeat("a", 101) }, ErrTitleTooLong},
		{"title of 100 multibyte chars", func(c *TradeContract) { c.Title = strings.Repeat("ä", 100) }, nil},
		{"long terms", func(c *TradeContract) { c.Terms = strings.Repeat("a", 2001) }, ErrTermsTooLong},
		{"zero amount", func(c *TradeContract) { c.TradeAmountSat = 0 }, ErrInvalidAmount},
		{"negative bond", func(c *TradeContract) { c.BondSat = -1 }, ErrInvalidBond},
		{"zero bond", func(c *TradeContract) { c.BondSat = 0 }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := sampleContract()
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
