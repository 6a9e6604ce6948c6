package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rl:"

// fixedWindowLua creates or advances a fixed window. A request past the
// limit is denied without incrementing, matching the memory backend.
// Returns {allowed, count, remaining_ms}.
const fixedWindowLua = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local count = tonumber(redis.call("GET", key))
if count == nil then
  redis.call("SET", key, 1, "PX", window_ms)
  return {1, 1, window_ms}
end

local pttl = redis.call("PTTL", key)
if pttl < 0 then
  redis.call("SET", key, 1, "PX", window_ms)
  return {1, 1, window_ms}
end

if count >= limit then
  return {0, count, pttl}
end

count = redis.call("INCR", key)
return {1, count, pttl}
`

// RedisLimiter keeps fixed windows in Redis so multiple gateway processes
// share budgets. Window expiry rides on key TTLs; no sweep goroutine needed.
type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func (r *RedisLimiter) Hit(ctx context.Context, key string, limit int, window time.Duration) (Window, bool, error) {
	res, err := r.rdb.Eval(ctx, fixedWindowLua, []string{redisKeyPrefix + key},
		limit, window.Milliseconds()).Result()
	if err != nil {
		return Window{}, false, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return Window{}, false, redis.Nil
	}
	allowed := toInt(arr[0]) == 1
	count := int(toInt(arr[1]))
	remMS := toInt(arr[2])
	return Window{Count: count, Reset: time.Now().Add(time.Duration(remMS) * time.Millisecond)}, allowed, nil
}

func (r *RedisLimiter) Remove(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Del(ctx, redisKeyPrefix+key).Result()
	return n > 0, err
}

func (r *RedisLimiter) Reset(ctx context.Context) error {
	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *RedisLimiter) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Backend: "redis", Windows: map[string]int{}}
	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.rdb.Get(ctx, iter.Val()).Int()
		if err != nil {
			continue
		}
		st.Windows[iter.Val()[len(redisKeyPrefix):]] = n
		st.ActiveWindows++
	}
	return st, iter.Err()
}

func (r *RedisLimiter) Close() error { return r.rdb.Close() }

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
