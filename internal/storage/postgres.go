package storage

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists buckets in the escrow_kv table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store. The schema comes from
// migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM escrow_kv WHERE bucket = $1 AND key = $2`, bucket, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *PostgresStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_kv (bucket, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		bucket, key, value,
	)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, bucket, key string, value []byte) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_kv (bucket, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (bucket, key) DO NOTHING`,
		bucket, key, value,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, bucket, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM escrow_kv WHERE bucket = $1 AND key = $2`, bucket, key)
	return err
}

func (p *PostgresStore) List(ctx context.Context, bucket string) (map[string][]byte, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM escrow_kv WHERE bucket = $1`, bucket)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close is a no-op: the *sql.DB belongs to the caller.
func (p *PostgresStore) Close() error {
	return nil
}
