package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisService keeps per-device lists of deliveries that could not be
	// handed to a live connection.
	RedisService struct {
		rdb *redis.Client
		ttl time.Duration
	}
)

func NewRedis(rdb *redis.Client, ttl time.Duration) *RedisService {
	return &RedisService{
		rdb: rdb,
		ttl: ttl,
	}
}

// Push appends values to key and refreshes its expiry.
func (r *RedisService) Push(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, args...)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	return err
}

// Drain returns and removes everything queued under key in one transaction.
func (r *RedisService) Drain(ctx context.Context, key string) ([][]byte, error) {
	var lrange *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	vals := lrange.Val()
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (r *RedisService) Len(ctx context.Context, key string) (int64, error) {
	return r.rdb.LLen(ctx, key).Result()
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
