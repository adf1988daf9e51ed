package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// LimiterStore abstracts the per-origin outbound rate limit, mirroring
// pkg/kernel/limiter.go's LimiterStore interface (actor-keyed Allow)
// generalized from per-actor to per-recipient-origin.
type LimiterStore interface {
	Wait(ctx context.Context, origin string) error
}

// InMemoryLimiterStore keys a golang.org/x/time/rate.Limiter per origin,
// the zero-config default (§4.F: "the in-process limiter as the
// zero-config default").
type InMemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewInMemoryLimiterStore(rps float64, burst int) *InMemoryLimiterStore {
	return &InMemoryLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (s *InMemoryLimiterStore) Wait(ctx context.Context, origin string) error {
	s.mu.Lock()
	l, ok := s.limiters[origin]
	if !ok {
		l = rate.NewLimiter(s.rps, s.burst)
		s.limiters[origin] = l
	}
	s.mu.Unlock()
	return l.Wait(ctx)
}

// redisTokenBucketScript is pkg/kernel/limiter_redis.go's atomic Lua
// token bucket, reused verbatim: it refills by elapsed time and
// consumes one token per Wait call, self-expiring after 60s.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiterStore shares one token-bucket namespace across a
// multi-process node fleet (§4.F: "optional Redis-backed limiter ...
// for multi-process deployments sharing one namespace").
type RedisLimiterStore struct {
	client   *redis.Client
	rps      float64
	burst    int
	pollWait time.Duration
}

func NewRedisLimiterStore(addr, password string, db int, rps float64, burst int) *RedisLimiterStore {
	return &RedisLimiterStore{
		client:   redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		rps:      rps,
		burst:    burst,
		pollWait: 50 * time.Millisecond,
	}
}

// Wait polls the Redis token bucket until a token is available or ctx
// is cancelled. Unlike rate.Limiter.Wait, the Lua script only reports
// allow/deny for the instant it runs, so retrying on deny is this
// store's own responsibility.
func (s *RedisLimiterStore) Wait(ctx context.Context, origin string) error {
	key := "tapnode:router:limiter:" + origin
	for {
		now := float64(time.Now().UnixMicro()) / 1e6
		res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key}, s.rps, s.burst, 1, now).Result()
		if err != nil {
			return fmt.Errorf("router: redis limiter: %w", err)
		}
		results, ok := res.([]interface{})
		if !ok || len(results) != 2 {
			return fmt.Errorf("router: redis limiter: unexpected script result")
		}
		allowed, _ := results[0].(int64)
		if allowed == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollWait):
		}
	}
}
