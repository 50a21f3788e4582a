package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurst(t *testing.T) {
	b := NewTokenBucket(5, time.Second)

	for i := 0; i < 5; i++ {
		assert.True(t, b.TryAcquire(), "token %d should be available", i)
	}
	assert.False(t, b.TryAcquire(), "bucket should be empty after max tokens")
}

func TestTokenBucketRefill(t *testing.T) {
	b := NewTokenBucket(10, 100*time.Millisecond)

	for i := 0; i < 10; i++ {
		require.True(t, b.TryAcquire())
	}
	require.False(t, b.TryAcquire())

	// Simulate the clock advancing half a window: 5 tokens back.
	b.mu.Lock()
	b.lastFill = b.lastFill.Add(-50 * time.Millisecond)
	b.mu.Unlock()

	granted := 0
	for b.TryAcquire() {
		granted++
	}
	assert.Equal(t, 5, granted)
}

func TestTokenBucketWindowBound(t *testing.T) {
	// Over any window W, grants <= max*(W/duration)+1.
	b := NewTokenBucket(20, 100*time.Millisecond)
	deadline := time.Now().Add(250 * time.Millisecond)

	granted := 0
	for time.Now().Before(deadline) {
		if b.TryAcquire() {
			granted++
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	// 20 initial + 2.5 windows of refill, plus the +1 allowance.
	assert.LessOrEqual(t, granted, 20+50+1)
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	b := NewTokenBucket(1, 50*time.Millisecond)
	require.True(t, b.TryAcquire())

	start := time.Now()
	err := b.Acquire(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestAcquireHonorsCancellation(t *testing.T) {
	b := NewTokenBucket(1, time.Hour)
	require.True(t, b.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChainRequiresAllBuckets(t *testing.T) {
	global := NewTokenBucket(10, time.Second)
	tenant := NewTokenBucket(1, time.Hour)
	chain := NewChain(global, tenant, nil)

	require.NoError(t, chain.Acquire(context.Background()))

	// Tenant bucket is now empty; the chain must block even though the
	// global bucket still has tokens.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, chain.Acquire(ctx))
}

func TestRegistryReturnsStableBuckets(t *testing.T) {
	r := NewRegistry()
	a := r.Get("org-1", 5, time.Second)
	b := r.Get("org-1", 99, time.Minute)
	assert.Same(t, a, b)

	c := r.Get("org-2", 5, time.Second)
	assert.NotSame(t, a, c)
}
