package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/pkg/clock"
)

func TestBucketConsumesTokens(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	b := NewBucket(5, 1, clk)

	for i := 0; i < 5; i++ {
		assert.True(t, b.TryAcquire(), "token %d should be available", i)
	}
	assert.False(t, b.TryAcquire(), "bucket should be empty")
}

func TestBucketLazyRefill(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	b := NewBucket(10, 2, clk)

	for i := 0; i < 10; i++ {
		require.True(t, b.TryAcquire())
	}
	require.False(t, b.TryAcquire())

	// 2 tokens/sec: after 1.5s three acquires must fail on the fourth.
	clk.Advance(1500 * time.Millisecond)
	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())
}

func TestBucketRefillCappedAtCapacity(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	b := NewBucket(3, 100, clk)

	require.True(t, b.TryAcquire())
	clk.Advance(time.Hour)

	// Long idle period must not accumulate more than capacity.
	assert.InDelta(t, 3, b.Tokens(), 0.001)
}

func TestAcquireHonorsContext(t *testing.T) {
	b := NewBucket(1, 0.001, clock.System())
	require.True(t, b.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterPerUpstream(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	l := NewLimiter()
	l.Register(UpstreamZKB, 1, 1, clk)

	require.NoError(t, l.Acquire(context.Background(), UpstreamZKB))

	// Unregistered upstreams pass through.
	require.NoError(t, l.Acquire(context.Background(), UpstreamESI))

	snap := l.Snapshot()
	assert.InDelta(t, 0, snap["zkb"], 0.001)
}
