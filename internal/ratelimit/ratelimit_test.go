package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypost/relaypost/internal/config"
)

func newRedisLimiter(t *testing.T, perMinute int) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, perMinute, nil), mr
}

func TestRedisLimiter_AllowsBudgetThenBlocks(t *testing.T) {
	l, _ := newRedisLimiter(t, 2)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "twitter"))
	require.NoError(t, l.Wait(ctx, "twitter"))

	res, err := l.Allow(ctx, "twitter")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(short, "twitter"), context.DeadlineExceeded)
}

func TestRedisLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newRedisLimiter(t, 1)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "twitter"))
	res, err := l.Allow(ctx, "threads")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Allowed)
}

func TestRedisLimiter_SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	a := NewRedisLimiter(newClient(), 1, nil)
	b := NewRedisLimiter(newClient(), 1, nil)
	ctx := context.Background()

	require.NoError(t, a.Wait(ctx, "facebook"))
	res, err := b.Allow(ctx, "facebook")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Allowed, "a second replica must see the spent budget")
}

func TestRedisLimiter_FallsBackWhenRedisIsDown(t *testing.T) {
	l, mr := newRedisLimiter(t, 60)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, l.Wait(ctx, "instagram"))
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter(1, 1)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "threads"))
	require.NoError(t, l.Wait(ctx, "twitter"), "buckets are per key")

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(short, "threads"))
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	lim, closeFn, err := New(ctx, config.RedisConfig{}, 0, nil)
	require.NoError(t, err)
	assert.IsType(t, Unlimited{}, lim)
	assert.NoError(t, closeFn())

	lim, closeFn, err = New(ctx, config.RedisConfig{}, 30, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalLimiter{}, lim)
	assert.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	lim, closeFn, err = New(ctx, config.RedisConfig{Enabled: true, Addr: mr.Addr()}, 30, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisLimiter{}, lim)
	assert.NoError(t, lim.Wait(ctx, "twitter"))
	assert.NoError(t, closeFn())

	_, _, err = New(ctx, config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1"}, 30, nil)
	assert.Error(t, err)
}
