package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker grants a run to exactly one worker per key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLocker claims runs with SET NX so that several worker replicas fire
// each scheduled slot once.
type RedisLocker struct {
	redis  *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{redis: client, prefix: "jobs:lock:"}
}

// Acquire reports whether this caller owns key. The claim is never
// released; it lapses after ttl.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("jobs: acquire %s: %w", key, err)
	}
	return ok, nil
}
