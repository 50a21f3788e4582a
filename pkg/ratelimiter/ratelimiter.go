package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a refilling token bucket. Max tokens are restored evenly
// over the configured window, so a bucket of 50/s hands out at most 50
// tokens in any one-second window.
type TokenBucket struct {
	mu       sync.Mutex
	max      float64
	window   time.Duration
	tokens   float64
	lastFill time.Time
	now      func() time.Time
}

// NewTokenBucket creates a bucket holding max tokens refilled over window.
func NewTokenBucket(max int, window time.Duration) *TokenBucket {
	return &TokenBucket{
		max:      float64(max),
		window:   window,
		tokens:   float64(max),
		lastFill: time.Now(),
		now:      time.Now,
	}
}

func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastFill)
	if elapsed <= 0 {
		return
	}
	b.tokens += b.max * float64(elapsed) / float64(b.window)
	if b.tokens > b.max {
		b.tokens = b.max
	}
	b.lastFill = now
}

// TryAcquire takes one token if available.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// waitTime returns how long until one token becomes available.
func (b *TokenBucket) waitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	missing := 1 - b.tokens
	return time.Duration(missing / b.max * float64(b.window))
}

// Acquire blocks until a token is available or the context is cancelled.
// It sleeps between attempts instead of spinning.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		if b.TryAcquire() {
			return nil
		}
		wait := b.waitTime()
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Chain gates dispatch behind several buckets at once. The send worker
// chains the provider-global bucket with the per-tenant bucket: a send
// proceeds only when every bucket on the chain has a token.
type Chain struct {
	buckets []*TokenBucket
}

// NewChain creates a chain over the given buckets. Nil buckets are skipped.
func NewChain(buckets ...*TokenBucket) *Chain {
	c := &Chain{}
	for _, b := range buckets {
		if b != nil {
			c.buckets = append(c.buckets, b)
		}
	}
	return c
}

// Acquire takes one token from every bucket, blocking on each in order.
// Tokens already taken are not returned on cancellation; over-admission is
// bounded by one token per bucket.
func (c *Chain) Acquire(ctx context.Context) error {
	for _, b := range c.buckets {
		if err := b.Acquire(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Registry holds named tenant buckets so each organization gets a stable
// bucket instance across send jobs.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*TokenBucket)}
}

// Get returns the bucket for key, creating it with the given limits on
// first use. Limit changes require a process restart.
func (r *Registry) Get(key string, max int, window time.Duration) *TokenBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[key]; ok {
		return b
	}
	b := NewTokenBucket(max, window)
	r.buckets[key] = b
	return b
}
