package cron

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billing-engine/pkg/redis"
)

func TestRedisLockIsExclusiveUntilReleased(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewFromRaw(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	first, err := NewRedisLock(client, "cron-worker", time.Minute)
	require.NoError(t, err)
	second, err := NewRedisLock(client, "cron-worker", time.Minute)
	require.NoError(t, err)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, ok, "second worker must not acquire a held lock")

	require.NoError(t, second.Release(ctx))
	require.True(t, srv.Exists(client.LockKey("cron-worker")), "non-owner release must keep the lock")

	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLockExpires(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewFromRaw(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	crashed, err := NewRedisLock(client, "cron-worker", time.Minute)
	require.NoError(t, err)
	ok, err := crashed.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(2 * time.Minute)
	next, err := NewRedisLock(client, "cron-worker", time.Minute)
	require.NoError(t, err)
	ok, err = next.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, crashed.Release(ctx))
	require.True(t, srv.Exists(client.LockKey("cron-worker")), "stale owner must not delete the new lock")
}
