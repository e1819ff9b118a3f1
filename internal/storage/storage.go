// Package storage provides the per-wallet key-value storage the escrow roles
// persist into. Values are opaque bytes grouped into buckets; Map layers typed
// JSON records on top.
package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrExists   = errors.New("storage: key already exists")
	ErrClosed   = errors.New("storage: store closed")
)

// Bucket names used by the escrow roles.
const (
	BucketAgentTrades   = "agent_trades"
	BucketAgentPayouts  = "agent_payouts"
	BucketAgentMeta     = "agent_meta"
	BucketClientTrades  = "client_trades"
	BucketClientTrusted = "client_trusted_agents"
	BucketClientMeta    = "client_meta"
)

// Store is a bucketed key-value store. Every write touches a single key and
// is atomic from the caller's perspective.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	// Create writes value only if key is absent, returning ErrExists otherwise.
	Create(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket string) (map[string][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}
