// Package contract defines the signed trade terms both parties commit to.
//
// The signature never covers the raw struct: it covers the canonical hash
//
//	sha256("ESCROW" || title || terms || decimal(trade_amount) || decimal(bond))
//
// so any implementation hashing the same fields in the same order produces
// interoperable signatures.
package contract

import (
	"crypto/sha256"
	"errors"
	"strconv"
	"unicode/utf8"

	"github.com/mbd888/lnescrow/internal/nostr"
)

// Limits on contract fields.
const (
	MaxTitleLen = 100
	MaxTermsLen = 2000
)

// DomainTag prefixes the hash preimage.
const DomainTag = "ESCROW"

var (
	ErrTitleRequired = errors.New("contract: title is required")
	ErrTitleTooLong  = errors.New("contract: title exceeds 100 characters")
	ErrTermsTooLong  = errors.New("contract: terms exceed 2000 characters")
	ErrInvalidAmount = errors.New("contract: trade amount must be positive")
	ErrInvalidBond   = errors.New("contract: bond must not be negative")
	ErrInvalidSigner = errors.New("contract: signature does not match signer")
)

// TradeContract is the immutable set of terms a trade is bound to.
type TradeContract struct {
	Title          string `json:"title"`
	Terms          string `json:"contract"`
	TradeAmountSat int64  `json:"trade_amount_sat"`
	BondSat        int64  `json:"bond_sat"`
}

// Validate checks the field bounds. Lengths are counted in characters.
func (c TradeContract) Validate() error {
	switch {
	case c.Title == "":
		return ErrTitleRequired
	case utf8.RuneCountInString(c.Title) > MaxTitleLen:
		return ErrTitleTooLong
	case utf8.RuneCountInString(c.Terms) > MaxTermsLen:
		return ErrTermsTooLong
	case c.TradeAmountSat <= 0:
		return ErrInvalidAmount
	case c.BondSat < 0:
		return ErrInvalidBond
	}
	return nil
}

// Hash returns the canonical digest that gets signed.
func (c TradeContract) Hash() [32]byte {
	h := sha256.New()
	h.Write([]byte(DomainTag))
	h.Write([]byte(c.Title))
	h.Write([]byte(c.Terms))
	h.Write([]byte(strconv.FormatInt(c.TradeAmountSat, 10)))
	h.Write([]byte(strconv.FormatInt(c.BondSat, 10)))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Sign signs digest with key and returns the hex BIP-340 signature.
func Sign(digest [32]byte, key *nostr.PrivateKey) (string, error) {
	return key.SignHash(digest[:])
}

// Verify reports whether sigHex is a valid signature over digest by pubKeyHex.
func Verify(digest [32]byte, sigHex, pubKeyHex string) bool {
	return nostr.VerifyHash(digest[:], sigHex, pubKeyHex)
}

// SignContract hashes and signs c.
func SignContract(c TradeContract, key *nostr.PrivateKey) (string, error) {
	return Sign(c.Hash(), key)
}

// VerifyContract checks a signature over the hash of c.
func VerifyContract(c TradeContract, sigHex, pubKeyHex string) error {
	if !Verify(c.Hash(), sigHex, pubKeyHex) {
		return ErrInvalidSigner
	}
	return nil
}
