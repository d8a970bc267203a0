package api

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a token bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = current unix time in milliseconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = (now - last_refill) / 1000
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("EXPIRE", key, 180)

return allowed
`)

// RedisLimiter shares token buckets between every process serving the same
// instance.
type RedisLimiter struct {
	client *redis.Client
	rps    int
	burst  int
	now    func() time.Time
}

// NewRedisLimiter creates a limiter storing its buckets in client.
func NewRedisLimiter(client *redis.Client, rps, burst int) *RedisLimiter {
	return &RedisLimiter{client: client, rps: rps, burst: burst, now: time.Now}
}

// Allow consumes one token of key's bucket.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := tokenBucketScript.Run(ctx, l.client, []string{"circles:ratelimit:" + key},
		l.rps, l.burst, strconv.FormatInt(l.now().UnixMilli(), 10)).Int()
	if err != nil {
		return false, errors.Wrap(err, "run token bucket")
	}
	return res == 1, nil
}
