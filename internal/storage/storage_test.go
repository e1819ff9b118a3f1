package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behavior every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "b", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "b", "k1", []byte("v1")))
	require.NoError(t, s.Put(ctx, "b", "k1", []byte("v1b")))
	got, err := s.Get(ctx, "b", "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1b", string(got))

	require.NoError(t, s.Create(ctx, "b", "k2", []byte("v2")))
	assert.ErrorIs(t, s.Create(ctx, "b", "k2", []byte("other")), ErrExists)
	got, _ = s.Get(ctx, "b", "k2")
	assert.Equal(t, "v2", string(got), "Create must never overwrite")

	require.NoError(t, s.Put(ctx, "b2", "k1", []byte("other bucket")))
	all, err := s.List(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "v2", string(all["k2"]))

	require.NoError(t, s.Delete(ctx, "b", "k1"))
	_, err = s.Get(ctx, "b", "k1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete(ctx, "b", "never-existed"))

	assert.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "b", "k2")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLevelDBStore(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenLevelDB(dir)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	reopened, err := OpenLevelDB(dir)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "b", "k2")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got), "records survive reopen")
}

func TestOpenLevelDB_RequiresPath(t *testing.T) {
	_, err := OpenLevelDB("  ")
	assert.Error(t, err)
}

func TestScoped_IsolatesWallets(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	alice := NewScoped(base, "alice")
	bob := NewScoped(base, "bob")

	require.NoError(t, alice.Put(ctx, BucketClientTrades, "t1", []byte("a")))
	_, err := bob.Get(ctx, BucketClientTrades, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	raw, err := base.Get(ctx, "alice/"+BucketClientTrades, "t1")
	require.NoError(t, err)
	assert.Equal(t, "a", string(raw))
}

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMap_TypedRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m := NewMap[record](s, "records")

	require.NoError(t, m.Put(ctx, "a", record{Name: "a", Count: 1}))
	require.NoError(t, m.Create(ctx, "b", record{Name: "b", Count: 2}))
	assert.True(t, errors.Is(m.Create(ctx, "b", record{}), ErrExists))

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, record{Name: "a", Count: 1}, got)

	require.NoError(t, s.Put(ctx, "records", "corrupt", []byte("{")))
	all, err := m.All(ctx)
	assert.Error(t, err)
	assert.Len(t, all, 2, "corrupt records must not hide valid ones")
}
