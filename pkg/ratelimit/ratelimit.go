// Package ratelimit provides per-upstream token buckets for the zKillboard
// and ESI clients. Refill is computed lazily from the elapsed time since the
// last acquire, capped at the bucket capacity.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"wanderer-kills/pkg/clock"
)

// Upstream identifies a rate-limited upstream service.
type Upstream string

const (
	UpstreamZKB Upstream = "zkb"
	UpstreamESI Upstream = "esi"
)

// Bucket is a token bucket with lazy refill.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	clk        clock.Clock

	waits int64
}

// NewBucket creates a full bucket.
func NewBucket(capacity, refillRate float64, clk clock.Clock) *Bucket {
	if clk == nil {
		clk = clock.System()
	}
	return &Bucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: clk.Now(),
		clk:        clk,
	}
}

// refillLocked tops up tokens from the elapsed time. Caller holds mu.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryAcquire consumes one token if available without blocking.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clk.Now())
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Acquire consumes one token, sleeping until one is available or the
// context is cancelled.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := b.clk.Now()
		b.refillLocked(now)
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		// Time until one token is refilled.
		deficit := 1 - b.tokens
		wait := time.Duration(deficit / b.refillRate * float64(time.Second))
		b.waits++
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Tokens returns the current token count after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clk.Now())
	return b.tokens
}

// Limiter holds one bucket per upstream.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[Upstream]*Bucket
}

// NewLimiter creates an empty limiter. Buckets are registered per upstream.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[Upstream]*Bucket)}
}

// Register installs the bucket for an upstream, replacing any existing one.
func (l *Limiter) Register(upstream Upstream, capacity, refillRate float64, clk clock.Clock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[upstream] = NewBucket(capacity, refillRate, clk)
}

// Acquire consumes one token from the upstream's bucket, waiting if
// necessary. Unregistered upstreams are not limited.
func (l *Limiter) Acquire(ctx context.Context, upstream Upstream) error {
	l.mu.RLock()
	b := l.buckets[upstream]
	l.mu.RUnlock()
	if b == nil {
		return nil
	}
	return b.Acquire(ctx)
}

// Snapshot reports the current token levels, for the metrics endpoint.
func (l *Limiter) Snapshot() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.buckets))
	for name, b := range l.buckets {
		out[string(name)] = b.Tokens()
	}
	return out
}
