package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Scoped prefixes every bucket with scope, giving each wallet its own
// namespace inside a shared Store.
type Scoped struct {
	Store
	scope string
}

// NewScoped wraps s so that bucket b becomes "<scope>/<b>".
func NewScoped(s Store, scope string) *Scoped {
	return &Scoped{Store: s, scope: strings.ReplaceAll(scope, "/", "_")}
}

func (s *Scoped) bucket(b string) string { return s.scope + "/" + b }

func (s *Scoped) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	return s.Store.Get(ctx, s.bucket(bucket), key)
}

func (s *Scoped) Put(ctx context.Context, bucket, key string, value []byte) error {
	return s.Store.Put(ctx, s.bucket(bucket), key, value)
}

func (s *Scoped) Create(ctx context.Context, bucket, key string, value []byte) error {
	return s.Store.Create(ctx, s.bucket(bucket), key, value)
}

func (s *Scoped) Delete(ctx context.Context, bucket, key string) error {
	return s.Store.Delete(ctx, s.bucket(bucket), key)
}

func (s *Scoped) List(ctx context.Context, bucket string) (map[string][]byte, error) {
	return s.Store.List(ctx, s.bucket(bucket))
}

// Map is a typed view of one bucket holding JSON records.
type Map[T any] struct {
	store  Store
	bucket string
}

// NewMap returns a typed view of bucket.
func NewMap[T any](s Store, bucket string) *Map[T] {
	return &Map[T]{store: s, bucket: bucket}
}

// Get decodes the record at key.
func (m *Map[T]) Get(ctx context.Context, key string) (T, error) {
	var v T
	raw, err := m.store.Get(ctx, m.bucket, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", m.bucket, key, err)
	}
	return v, nil
}

// Put encodes and stores v at key.
func (m *Map[T]) Put(ctx context.Context, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", m.bucket, key, err)
	}
	return m.store.Put(ctx, m.bucket, key, raw)
}

// Create stores v only if key is absent.
func (m *Map[T]) Create(ctx context.Context, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", m.bucket, key, err)
	}
	return m.store.Create(ctx, m.bucket, key, raw)
}

// Delete removes key.
func (m *Map[T]) Delete(ctx context.Context, key string) error {
	return m.store.Delete(ctx, m.bucket, key)
}

// All decodes every record of the bucket. Undecodable records are reported
// in the error but do not hide the others.
func (m *Map[T]) All(ctx context.Context) (map[string]T, error) {
	raws, err := m.store.List(ctx, m.bucket)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raws))
	var bad []string
	for k, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			bad = append(bad, k)
			continue
		}
		out[k] = v
	}
	if len(bad) > 0 {
		return out, fmt.Errorf("decode %s: %d corrupt records (%s)", m.bucket, len(bad), strings.Join(bad, ", "))
	}
	return out, nil
}
