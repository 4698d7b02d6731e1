package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("client-a"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("client-a"), "burst exhausted")
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestTokensRefill(t *testing.T) {
	// 600 rpm = 10 tokens/sec, so 200ms refills ~2 tokens.
	l := New(Config{RequestsPerMinute: 600, BurstSize: 2, CleanupInterval: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("c"))
	assert.True(t, l.Allow("c"))
	assert.False(t, l.Allow("c"))

	time.Sleep(250 * time.Millisecond)
	assert.True(t, l.Allow("c"), "tokens should refill over time")
}

func TestPacerEnforcesInterval(t *testing.T) {
	p := NewPacer(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	elapsed := time.Since(start)

	// First call is immediate, the next two wait out the interval.
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestPacerHonorsCancellation(t *testing.T) {
	p := NewPacer(time.Minute)
	require.NoError(t, p.Wait(context.Background())) // prime last-call time

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
