// Package nostr adapts go-nostr to the escrow engine. It owns key handling on
// btcec, tag and NIP-40 expiration helpers, and the NIP-04 and NIP-19 codecs
// keyed by PrivateKey.
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	ErrInvalidPrivateKey = errors.New("nostr: invalid private key")
	ErrInvalidPublicKey  = errors.New("nostr: invalid public key")
)

// PrivateKey is a secp256k1 key used for BIP-340 signatures and ECDH.
type PrivateKey struct {
	key *btcec.PrivateKey
}

// GeneratePrivateKey returns a fresh random key.
func GeneratePrivateKey() (*PrivateKey, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: k}, nil
}

// PrivateKeyFromBytes parses a 32-byte scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	var zero [32]byte
	if string(b) == string(zero[:]) {
		return nil, ErrInvalidPrivateKey
	}
	k, _ := btcec.PrivKeyFromBytes(b)
	return &PrivateKey{key: k}, nil
}

// PrivateKeyFromHex parses a hex encoded 32-byte scalar.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	return PrivateKeyFromBytes(b)
}

// Bytes returns the 32-byte scalar.
func (k *PrivateKey) Bytes() []byte {
	return k.key.Serialize()
}

// Hex returns the scalar hex encoded.
func (k *PrivateKey) Hex() string {
	return hex.EncodeToString(k.Bytes())
}

// PublicKey returns the x-only public key, hex encoded.
func (k *PrivateKey) PublicKey() string {
	return hex.EncodeToString(schnorr.SerializePubKey(k.key.PubKey()))
}

// SignHash produces a hex encoded BIP-340 signature over a 32-byte digest.
func (k *PrivateKey) SignHash(digest []byte) (string, error) {
	if len(digest) != sha256.Size {
		return "", fmt.Errorf("sign: digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := schnorr.Sign(k.key, digest)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifyHash checks a hex BIP-340 signature over digest for an x-only hex pubkey.
// Malformed inputs verify as false.
func VerifyHash(digest []byte, sigHex, pubKeyHex string) bool {
	if len(digest) != sha256.Size {
		return false
	}
	pub, err := ParsePublicKey(pubKeyHex)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(digest, pub)
}

// ParsePublicKey decodes a 32-byte x-only hex public key.
func ParsePublicKey(pubKeyHex string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(b) != schnorr.PubKeyBytesLen {
		return nil, ErrInvalidPublicKey
	}
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// IsValidPublicKey reports whether s is a well formed x-only public key.
func IsValidPublicKey(s string) bool {
	_, err := ParsePublicKey(s)
	return err == nil
}
