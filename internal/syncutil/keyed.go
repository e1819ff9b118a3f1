// Package syncutil holds per-key locks for trades and payouts.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 128

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// KeyedMutex serializes work per key using a fixed pool of mutexes.
// Distinct keys may share a shard; memory stays bounded regardless of how
// many trade ids pass through. The zero value is ready to use.
type KeyedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock blocks until key is free and returns the matching unlock.
func (m *KeyedMutex) Lock(key string) func() {
	mu := &m.shards[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

// TryLock returns an unlock and true if key was free, nil and false otherwise.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	mu := &m.shards[shardOf(key)]
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// ContextKeyedMutex is a KeyedMutex whose waiters give up when their
// context ends. Use NewContextKeyedMutex.
type ContextKeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextKeyedMutex returns an unlocked ContextKeyedMutex.
func NewContextKeyedMutex() *ContextKeyedMutex {
	m := &ContextKeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock waits for key or for ctx to end. The returned unlock must be called
// exactly once.
func (m *ContextKeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardOf(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
