package nostr

import (
	"fmt"
	"strconv"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
)

// Event kinds used by the escrow protocol.
const (
	KindProfile            = 0
	KindEncryptedDirectMsg = 4
	KindRelayList          = 10002
	KindClientAuth         = 22242
	KindEphemeralRequest   = 25582
	KindAgentStatus        = 30315
)

type (
	Event     = gonostr.Event
	Tag       = gonostr.Tag
	Tags      = gonostr.Tags
	TagMap    = gonostr.TagMap
	Filter    = gonostr.Filter
	Timestamp = gonostr.Timestamp
)

// IsEphemeral reports whether relays are expected to forward events of kind
// without storing them.
func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

// At converts t into a filter bound.
func At(t time.Time) *Timestamp {
	ts := Timestamp(t.Unix())
	return &ts
}

// FindTag returns the first tag named key, or nil.
func FindTag(tags Tags, key string) Tag {
	for _, t := range tags {
		if len(t) > 0 && t[0] == key {
			return t
		}
	}
	return nil
}

// TagValue returns the first value of the first tag named key.
func TagValue(tags Tags, key string) string {
	if t := FindTag(tags, key); len(t) > 1 {
		return t[1]
	}
	return ""
}

// TagValues returns the values of all tags named key.
func TagValues(tags Tags, key string) []string {
	var out []string
	for _, t := range tags {
		if len(t) > 1 && t[0] == key {
			out = append(out, t[1])
		}
	}
	return out
}

// HasTag reports whether a tag key=value exists.
func HasTag(tags Tags, key, value string) bool {
	for _, t := range tags {
		if len(t) > 1 && t[0] == key && t[1] == value {
			return true
		}
	}
	return false
}

// Sign fills PubKey, ID and Sig using key. A zero CreatedAt is set to now.
func Sign(ev *Event, key *PrivateKey) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = gonostr.Now()
	}
	if ev.Tags == nil {
		ev.Tags = Tags{}
	}
	if err := ev.Sign(key.Hex()); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	return nil
}

// Verify checks that the id commits to the content and that the signature
// is valid for PubKey.
func Verify(ev *Event) bool {
	if ev.ID != ev.GetID() {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

// SetExpiration adds a NIP-40 expiration tag.
func SetExpiration(ev *Event, at time.Time) {
	ev.Tags = append(ev.Tags, Tag{"expiration", strconv.FormatInt(at.Unix(), 10)})
}

// Expired reports whether a NIP-40 expiration tag lies before now.
func Expired(ev *Event, now time.Time) bool {
	v := TagValue(ev.Tags, "expiration")
	if v == "" {
		return false
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false
	}
	return ts <= now.Unix()
}
