package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost (negative to return tokens)
// ARGV[4] = now (unix seconds, fractional)
// ARGV[5] = ttl seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = math.min(capacity, tokens - cost)
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, math.floor(tokens)}
`)

// RedisRateLimit is a token bucket shared across processes through Redis.
type RedisRateLimit struct {
	client    redis.Scripter
	prefix    string
	perSecond float64
	burst     int
	clock     func() time.Time
}

// NewRedisRateLimit creates a Redis-backed limiter. Keys are prefix+actor.
func NewRedisRateLimit(client redis.Scripter, prefix string, perSecond float64, burst int) *RedisRateLimit {
	if perSecond <= 0 {
		perSecond = 1
	}
	if prefix == "" {
		prefix = "trustsim:limiter:"
	}
	return &RedisRateLimit{
		client:    client,
		prefix:    prefix,
		perSecond: perSecond,
		burst:     max(burst, 1),
		clock:     time.Now,
	}
}

// WithClock overrides clock for testing.
func (r *RedisRateLimit) WithClock(clock func() time.Time) *RedisRateLimit {
	r.clock = clock
	return r
}

func (*RedisRateLimit) Name() string { return "redis_rate_limit" }

func (r *RedisRateLimit) Admit(ctx context.Context, req Request) (Decision, error) {
	allowed, err := r.take(ctx, req.Actor, 1)
	if err != nil {
		return Decision{}, err
	}
	if !allowed {
		return Deny(r.Name(), "rate limit exceeded for %q", req.Actor), nil
	}
	return Allow(r.Name()), nil
}

// Release puts one token back into the actor's bucket.
func (r *RedisRateLimit) Release(ctx context.Context, req Request) error {
	_, err := r.take(ctx, req.Actor, -1)
	return err
}

func (r *RedisRateLimit) take(ctx context.Context, actor string, cost int) (bool, error) {
	key := r.prefix + actor
	now := float64(r.clock().UnixMicro()) / 1e6
	ttl := int(float64(r.burst)/r.perSecond) + 1

	res, err := tokenBucketScript.Run(ctx, r.client, []string{key}, r.perSecond, r.burst, cost, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
