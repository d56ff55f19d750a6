//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/signer/internal/testutil/containers"
)

func TestRedisClient(t *testing.T) {
	r := containers.NewRedis(t)
	ctx := context.Background()

	c, err := New(ctx, Config{Driver: "redis", Addr: r.Addr, Prefix: "idem", DefaultTTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(ctx, "req-1")
	assert.True(t, IsNotFound(err))

	require.NoError(t, c.Set(ctx, "req-1", []byte(`{"request_id":"req-1"}`), 0))
	v, err := c.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_id":"req-1"}`, string(v))

	ttl, err := r.Client.TTL(ctx, "idem:req-1").Result()
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 5)

	require.NoError(t, c.Set(ctx, "short", []byte("x"), time.Second))
	assert.Eventually(t, func() bool {
		_, err := c.Get(ctx, "short")
		return IsNotFound(err)
	}, 5*time.Second, 100*time.Millisecond)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "redis", st.Driver)
	assert.GreaterOrEqual(t, st.Keys, int64(1))

	require.NoError(t, c.Delete(ctx, "req-1"))
	_, err = c.Get(ctx, "req-1")
	assert.True(t, IsNotFound(err))
	assert.NoError(t, c.Ping(ctx))
}
