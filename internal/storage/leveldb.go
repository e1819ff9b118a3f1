package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// keySep separates bucket and key; bucket names never contain it.
const keySep = "\x00"

// LevelDBStore is a Store persisted in a LevelDB directory. Keys are stored
// as bucket + "\x00" + key.
type LevelDBStore struct {
	db *leveldb.DB
	// createMu makes the check-then-put of Create atomic.
	createMu sync.Mutex
}

// OpenLevelDB opens (or creates) a LevelDB store at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func dbKey(bucket, key string) []byte {
	return []byte(bucket + keySep + key)
}

func translate(err error) error {
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return ErrClosed
	}
	return err
}

func (l *LevelDBStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	v, err := l.db.Get(dbKey(bucket, key), nil)
	if err != nil {
		return nil, translate(err)
	}
	return v, nil
}

func (l *LevelDBStore) Put(_ context.Context, bucket, key string, value []byte) error {
	return translate(l.db.Put(dbKey(bucket, key), value, nil))
}

func (l *LevelDBStore) Create(_ context.Context, bucket, key string, value []byte) error {
	l.createMu.Lock()
	defer l.createMu.Unlock()
	k := dbKey(bucket, key)
	ok, err := l.db.Has(k, nil)
	if err != nil {
		return translate(err)
	}
	if ok {
		return ErrExists
	}
	return translate(l.db.Put(k, value, nil))
}

func (l *LevelDBStore) Delete(_ context.Context, bucket, key string) error {
	return translate(l.db.Delete(dbKey(bucket, key), nil))
}

func (l *LevelDBStore) List(_ context.Context, bucket string) (map[string][]byte, error) {
	prefix := []byte(bucket + keySep)
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	out := make(map[string][]byte)
	for iter.Next() {
		key := string(iter.Key()[len(prefix):])
		out[key] = append([]byte(nil), iter.Value()...)
	}
	if err := iter.Error(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (l *LevelDBStore) Ping(context.Context) error {
	_, err := l.db.GetProperty("leveldb.stats")
	return translate(err)
}

func (l *LevelDBStore) Close() error {
	return l.db.Close()
}
