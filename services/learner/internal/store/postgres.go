package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/coursecraft/internal/platform/db"
)

// postgresStore keeps values in a learner_kv table shared by every learner
// pointing at the same database; Namespace separates them.
type postgresStore struct {
	pool *pgxpool.Pool
	ns   string
}

const postgresSchema = `CREATE TABLE IF NOT EXISTS learner_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func newPostgresStore(ctx context.Context, dsn, ns string) (*postgresStore, error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, ns: ns}, nil
}

func (s *postgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM learner_kv WHERE key = $1`, namespaced(s.ns, key)).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *postgresStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO learner_kv (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		namespaced(s.ns, key), value)
	return err
}

func (s *postgresStore) Remove(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM learner_kv WHERE key = $1`, namespaced(s.ns, key))
	return err
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
