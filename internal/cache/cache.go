// Package cache implements the TTL-addressable store for external provider
// responses.
//
// Each logical source carries its own TTL: traffic data goes stale in
// minutes, weather in tens of minutes, and static infrastructure in a day.
// The store itself performs no network I/O; on a miss the caller refetches
// and writes through. A corrupt or unreadable entry reads as a miss, never
// as an error the pipeline has to handle.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sentinelroad/backend/internal/metrics"
)

// ErrMiss is returned when a key is absent, expired, or unreadable.
var ErrMiss = errors.New("cache miss")

// Store is a key/TTL-addressable payload store.
type Store interface {
	// Get returns the cached payload or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores payload under key with the given TTL, overwriting any
	// previous entry.
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// IsExpired reports whether the entry for key is expired or absent.
	IsExpired(ctx context.Context, key string) (bool, error)
	// Purge removes expired entries and returns how many were dropped.
	Purge(ctx context.Context) (int, error)
}

// Key builds a cache key from a logical source name and a location/bbox
// fragment, e.g. Key("traffic", point.Key()).
func Key(source, fragment string) string {
	return source + ":" + fragment
}

// sourceOf extracts the logical source from a cache key for metrics labels.
func sourceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "unknown"
}

func recordOutcome(key, outcome string) {
	metrics.CacheRequestsTotal.WithLabelValues(sourceOf(key), outcome).Inc()
}
