package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newService needs a disposable redis, e.g. REDIS_ADDR=localhost:6379.
func newService(t *testing.T) *RedisService {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	svc := NewRedis(rdb, time.Minute)
	require.NoError(t, svc.Ping(context.Background()))
	return svc
}

func TestPushDrain(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	key := "test:" + t.Name()

	require.NoError(t, svc.Push(ctx, key, []byte("one"), []byte("two")))
	require.NoError(t, svc.Push(ctx, key, []byte("three")))

	n, err := svc.Len(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	vals, err := svc.Drain(ctx, key)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, vals)

	vals, err = svc.Drain(ctx, key)
	require.NoError(t, err)
	require.Empty(t, vals)
}

func TestPushSetsExpiry(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	key := "test:" + t.Name()
	t.Cleanup(func() { _, _ = svc.Drain(ctx, key) })

	require.NoError(t, svc.Push(ctx, key, []byte("x")))
	ttl, err := svc.rdb.TTL(ctx, key).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
