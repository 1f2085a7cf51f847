package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the same WindowStore contract with a Redis sorted
// set per key (score = unix-nano timestamp), giving cross-worker
// fairness for deployments where the in-process MemoryStore isn't
// enough.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ctx: context.Background(), prefix: "ghostjobs:ratelimit:"}
}

func (r *RedisStore) redisKey(key string) string { return r.prefix + key }

func (r *RedisStore) Prune(key string, cutoff time.Time) (int, error) {
	rk := r.redisKey(key)
	if err := r.client.ZRemRangeByScore(r.ctx, rk, "-inf", strconv.FormatInt(cutoff.UnixNano(), 10)).Err(); err != nil {
		return 0, fmt.Errorf("zremrangebyscore: %w", err)
	}
	n, err := r.client.ZCard(r.ctx, rk).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard: %w", err)
	}
	return int(n), nil
}

func (r *RedisStore) Record(key string, now time.Time) error {
	rk := r.redisKey(key)
	member := strconv.FormatInt(now.UnixNano(), 10)
	if err := r.client.ZAdd(r.ctx, rk, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	return nil
}

func (r *RedisStore) Rollback(key string) error {
	rk := r.redisKey(key)
	members, err := r.client.ZRevRangeWithScores(r.ctx, rk, 0, 0).Result()
	if err != nil {
		return fmt.Errorf("zrevrange: %w", err)
	}
	if len(members) == 0 {
		return nil
	}
	if err := r.client.ZRem(r.ctx, rk, members[0].Member).Err(); err != nil {
		return fmt.Errorf("zrem: %w", err)
	}
	return nil
}

func (r *RedisStore) OldestAfterPrune(key string) (time.Time, bool, error) {
	rk := r.redisKey(key)
	members, err := r.client.ZRangeWithScores(r.ctx, rk, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("zrange: %w", err)
	}
	if len(members) == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(0, int64(members[0].Score)), true, nil
}

// SweepEmpty is a no-op for Redis: sorted sets with no members are
// removed automatically by Redis itself, so there is nothing to evict.
func (r *RedisStore) SweepEmpty(cutoff time.Time) (int, error) {
	return 0, nil
}
