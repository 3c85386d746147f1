package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLeaseAcquireRelease(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	l1 := NewRedisLease(client, "campaign:abc", time.Minute)
	ok, err := l1.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second holder is rejected while the lease is live.
	l2 := NewRedisLease(client, "campaign:abc", time.Minute)
	ok, err = l2.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l1.Release(ctx))

	ok, err = l2.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLeaseReleaseOnlyIfOwned(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	l1 := NewRedisLease(client, "account:a1", time.Minute)
	l2 := NewRedisLease(client, "account:a1", time.Minute)

	ok, err := l1.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-owner release must not free the owner's lease.
	require.NoError(t, l2.Release(ctx))

	ok, err = l2.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLeaseExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	l1 := NewRedisLease(client, "campaign:ttl", 5*time.Second)
	ok, err := l1.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Crashed-worker scenario: TTL elapses without a Release.
	mr.FastForward(6 * time.Second)

	l2 := NewRedisLease(client, "campaign:ttl", 5*time.Second)
	ok, err = l2.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// The stale holder can no longer extend.
	assert.Error(t, l1.Extend(ctx, time.Minute))
}

func TestFactoryPrefersRedis(t *testing.T) {
	client := newTestRedis(t)
	f := NewFactory(client, nil, time.Minute)
	_, isRedis := f.For("campaign:x").(*RedisLease)
	assert.True(t, isRedis)

	f = NewFactory(nil, nil, time.Minute)
	_, isPG := f.For("campaign:x").(*PGAdvisoryLease)
	assert.True(t, isPG)
}
