package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the window counters with Redis so multiple nodes share
// quota. INCR and the initial EXPIRE run as a Lua script so the bucket can
// never be created without a lifetime.
type RedisStore struct {
	client     *redis.Client
	script     *redis.Script
	decrScript *redis.Script
}

const luaIncrWithExpire = `
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return c
`

// Refund only touches live buckets and never goes below zero; the bucket TTL
// is preserved.
const luaDecrFloored = `
local c = tonumber(redis.call("GET", KEYS[1]))
if c and c > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`

// NewRedisStore constructs a store over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		script:     redis.NewScript(luaIncrWithExpire),
		decrScript: redis.NewScript(luaDecrFloored),
	}
}

// Incr atomically bumps the counter, setting the bucket TTL on first touch.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	res, err := s.script.Run(ctx, s.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("op=ratelimit.redis.incr: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("op=ratelimit.redis.incr: unexpected script result %T", res)
	}
	return n, nil
}

// Decr refunds one unit, flooring at zero.
func (s *RedisStore) Decr(ctx context.Context, key string, _ time.Duration) error {
	if err := s.decrScript.Run(ctx, s.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("op=ratelimit.redis.decr: %w", err)
	}
	return nil
}

// Peek reads the counter without bumping it.
func (s *RedisStore) Peek(ctx context.Context, key string, _ time.Duration) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("op=ratelimit.redis.peek: %w", err)
	}
	return n, nil
}
