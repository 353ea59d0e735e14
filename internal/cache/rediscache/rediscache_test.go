package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSet(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	b, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), b)

	_, ok, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCache_SetNXDel(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "evt", []byte("1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SetNX(ctx, "evt", []byte("1"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Del(ctx, "evt"))
	ok, err = c.SetNX(ctx, "evt", []byte("1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists("evt"))
}

func TestRedisCache_ErrorsWrapped(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	mr.Close()

	_, _, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis get")

	_, err = c.SetNX(context.Background(), "k", []byte("v"), time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis setnx")
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())
	t.Cleanup(func() { _ = rl.Close() })

	ctx := context.Background()
	ok, n, err := rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)
}

func TestRateLimiter_WindowExpiresFromFirstHit(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())
	t.Cleanup(func() { _ = rl.Close() })

	ctx := context.Background()
	_, _, err := rl.Allow(ctx, "rl:w", 1, time.Minute)
	require.NoError(t, err)

	mr.FastForward(40 * time.Second)
	ok, _, err := rl.Allow(ctx, "rl:w", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 20*time.Second, mr.TTL("rl:w"))

	mr.FastForward(21 * time.Second)
	ok, n, err := rl.Allow(ctx, "rl:w", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}

func TestRateLimiter_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())
	mr.Close()

	_, _, err := rl.Allow(context.Background(), "rl:x", 1, time.Minute)
	require.Error(t, err)
	require.Contains(t, err.Error(), `rate limit "rl:x"`)
}

func TestRedisCache_RateLimiterSharesClient(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	ok, n, err := c.RateLimiter().Allow(context.Background(), "rl:shared", 5, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	v, found, err := c.Get(context.Background(), "rl:shared")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))
}
