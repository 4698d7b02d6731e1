package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists cache entries in the api_cache table so provider
// quotas survive process restarts.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		payload    []byte
		fetchedAt  time.Time
		ttlSeconds int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, fetched_at, ttl_seconds
		FROM api_cache
		WHERE cache_key = $1`, key,
	).Scan(&payload, &fetchedAt, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		recordOutcome(key, "miss")
		return nil, ErrMiss
	}
	if err != nil {
		// Unreadable rows read as misses so the caller just refetches.
		recordOutcome(key, "miss")
		return nil, ErrMiss
	}
	if s.now().Sub(fetchedAt) > time.Duration(ttlSeconds)*time.Second {
		recordOutcome(key, "expired")
		return nil, ErrMiss
	}
	recordOutcome(key, "hit")
	return payload, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_cache (cache_key, payload, fetched_at, ttl_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cache_key)
		DO UPDATE SET payload = $2, fetched_at = $3, ttl_seconds = $4`,
		key, payload, s.now().UTC(), int64(ttl/time.Second))
	return err
}

func (s *PostgresStore) IsExpired(ctx context.Context, key string) (bool, error) {
	var (
		fetchedAt  time.Time
		ttlSeconds int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fetched_at, ttl_seconds FROM api_cache WHERE cache_key = $1`, key,
	).Scan(&fetchedAt, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	return s.now().Sub(fetchedAt) > time.Duration(ttlSeconds)*time.Second, nil
}

func (s *PostgresStore) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM api_cache
		WHERE fetched_at + make_interval(secs => ttl_seconds) < now()`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
