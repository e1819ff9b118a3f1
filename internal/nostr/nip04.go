package nostr

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip04"
)

// ErrDecrypt is returned for any malformed or undecryptable NIP-04 payload.
var ErrDecrypt = errors.New("nostr: cannot decrypt content")

const aesBlockSize = 16

// SharedSecret returns the NIP-04 ECDH secret between key and an x-only hex
// public key.
func (k *PrivateKey) SharedSecret(pubKeyHex string) ([]byte, error) {
	if !IsValidPublicKey(pubKeyHex) {
		return nil, ErrInvalidPublicKey
	}
	return nip04.ComputeSharedSecret(pubKeyHex, k.Hex())
}

// Encrypt encrypts plaintext for recipient as "<base64 ct>?iv=<base64 iv>".
func (k *PrivateKey) Encrypt(plaintext, recipientPubKey string) (string, error) {
	secret, err := k.SharedSecret(recipientPubKey)
	if err != nil {
		return "", err
	}
	return nip04.Encrypt(plaintext, secret)
}

// Decrypt reverses Encrypt for a payload sent by senderPubKey.
func (k *PrivateKey) Decrypt(payload, senderPubKey string) (string, error) {
	if !wellFormed(payload) {
		return "", ErrDecrypt
	}
	secret, err := k.SharedSecret(senderPubKey)
	if err != nil {
		return "", ErrDecrypt
	}
	plain, err := nip04.Decrypt(payload, secret)
	if err != nil {
		return "", ErrDecrypt
	}
	return plain, nil
}

// wellFormed rejects payloads the cipher would refuse to process: the
// ciphertext must be whole AES blocks and the IV exactly one block.
func wellFormed(payload string) bool {
	ctPart, ivPart, ok := strings.Cut(payload, "?iv=")
	if !ok {
		return false
	}
	ct, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil || len(ct) == 0 || len(ct)%aesBlockSize != 0 {
		return false
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	return err == nil && len(iv) == aesBlockSize
}
