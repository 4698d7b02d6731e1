package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Pacer serializes outbound calls to a provider that does not tolerate
// concurrent or bursty traffic (the geocoder allows roughly one request
// per 200ms). Wait blocks until the minimum interval since the previous
// call has elapsed.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewPacer creates a pacer enforcing the given minimum interval between calls.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{interval: interval}
}

// Wait blocks until the next call is permitted or ctx is cancelled.
// Callers are served in lock-acquisition order.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.last)
	if elapsed < p.interval {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.interval - elapsed):
		}
	}
	p.last = time.Now()
	return nil
}
