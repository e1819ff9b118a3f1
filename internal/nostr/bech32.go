package nostr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// SecretKeyPrefix is the NIP-19 human readable part for secret keys.
const SecretKeyPrefix = "nsec"

// ErrInvalidSecretKeyToken is returned when a bech32 secret key fails to decode
// or does not carry the expected prefix.
var ErrInvalidSecretKeyToken = errors.New("nostr: invalid secret key token")

// EncodeSecretKey encodes key as a checksummed NIP-19 "nsec1..." string.
func EncodeSecretKey(key *PrivateKey) (string, error) {
	token, err := nip19.EncodePrivateKey(key.Hex())
	if err != nil {
		return "", fmt.Errorf("encode secret key: %w", err)
	}
	return token, nil
}

// DecodeSecretKey parses a NIP-19 secret key. The bech32 checksum is verified
// before anything else is done with the payload.
func DecodeSecretKey(token string) (*PrivateKey, error) {
	prefix, value, err := nip19.Decode(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecretKeyToken, err)
	}
	if prefix != SecretKeyPrefix {
		return nil, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidSecretKeyToken, prefix)
	}
	hexKey, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload", ErrInvalidSecretKeyToken)
	}
	key, err := PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecretKeyToken, err)
	}
	return key, nil
}
