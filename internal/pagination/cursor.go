// Package pagination pages through newest-first listings with opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Limits for a single page.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the position of the last item of a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor string. An empty string yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// ClampLimit maps a requested page size into [1, MaxLimit].
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

func compare(aAt time.Time, aID string, bAt time.Time, bID string) int {
	if c := bAt.Compare(aAt); c != 0 {
		return c
	}
	return strings.Compare(bID, aID)
}

// Page orders items newest first, ties broken by id, and returns up to limit
// items following cursor plus the cursor for the next page ("" on the last).
func Page[T any](items []T, cursor *Cursor, limit int, key func(T) (time.Time, string)) ([]T, string) {
	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b T) int {
		aAt, aID := key(a)
		bAt, bID := key(b)
		return compare(aAt, aID, bAt, bID)
	})

	start := 0
	if cursor != nil {
		start = len(sorted)
		for i, it := range sorted {
			at, id := key(it)
			if compare(at, id, cursor.CreatedAt, cursor.ID) > 0 {
				start = i
				break
			}
		}
	}
	sorted = sorted[start:]

	limit = ClampLimit(limit)
	if len(sorted) <= limit {
		return sorted, ""
	}
	page := sorted[:limit]
	at, id := key(page[len(page)-1])
	return page, Encode(at, id)
}
