package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiterWithClock(clk.Now)

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "k1|u1", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "hit %d", i+1)
	}
	res, err := l.Allow(ctx, "k1|u1", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	// otra key no comparte cupo
	res, _ = l.Allow(ctx, "k1|u2", 3, time.Second)
	assert.True(t, res.Allowed)

	clk.Advance(1001 * time.Millisecond)
	res, _ = l.Allow(ctx, "k1|u1", 3, time.Second)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 2, res.Remaining)
}

func TestMemoryLimiter_ConcurrentHitsNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter()
	const limit = 50

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Allow(ctx, "hot", limit, time.Minute)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, limit, allowed.Load())
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiterWithClock(clk.Now)
	_, _ = l.Allow(ctx, "a", 1, time.Second)
	_, _ = l.Allow(ctx, "b", 1, time.Minute)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, l.Sweep())
}
