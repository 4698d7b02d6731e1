package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelroad/backend/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	key := Key("traffic", "18.5204,73.8567")

	_, err := store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Put(ctx, key, []byte(`{"speed":42}`), 5*time.Minute))

	payload, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"speed":42}`, string(payload))
}

func TestPostgresStoreExpiry(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	key := Key("weather", "region")

	require.NoError(t, store.Put(ctx, key, []byte(`{}`), time.Minute))

	// Rewind fetched_at past the TTL instead of sleeping.
	_, err := db.ExecContext(ctx,
		`UPDATE api_cache SET fetched_at = fetched_at - INTERVAL '2 minutes' WHERE cache_key = $1`, key)
	require.NoError(t, err)

	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)

	expired, err := store.IsExpired(ctx, key)
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestPostgresStorePurge(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Key("infra", "stale"), []byte(`{}`), time.Minute))
	require.NoError(t, store.Put(ctx, Key("infra", "fresh"), []byte(`{}`), time.Hour))

	_, err := db.ExecContext(ctx,
		`UPDATE api_cache SET fetched_at = fetched_at - INTERVAL '10 minutes' WHERE cache_key = $1`,
		Key("infra", "stale"))
	require.NoError(t, err)

	purged, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM api_cache`).Scan(&count))
	assert.Equal(t, 1, count)
}
