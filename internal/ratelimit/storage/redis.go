package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// averagingFixedWindowScript implements an averaging fixed-window counter:
// the current window's estimated usage is the current bucket's count plus
// the previous bucket's count weighted by the fraction of the current
// window still "owed" to it. This smooths the boundary-burst problem of a
// naive fixed window while staying O(1) per call (no sorted-set scan),
// generalized from the teacher's single-purpose RPM sliding-window script
// to accept an arbitrary per-call delta so it can meter both request counts
// (delta=1) and token counts (delta=tokens).
//
// KEYS[1] = base key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = window size (nanoseconds)
// ARGV[3] = limit
// ARGV[4] = delta (units to consume on this call)
// Returns: {allowed (0/1), retry_after_ns}
var averagingFixedWindowScript = redis.NewScript(`
	local base   = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit  = tonumber(ARGV[3])
	local delta  = tonumber(ARGV[4])

	local bucket     = math.floor(now / window)
	local prevBucket = bucket - 1
	local curKey  = base .. ':' .. tostring(bucket)
	local prevKey = base .. ':' .. tostring(prevBucket)

	local curCount  = tonumber(redis.call('GET', curKey) or '0')
	local prevCount = tonumber(redis.call('GET', prevKey) or '0')

	local elapsed = now - (bucket * window)
	local weight  = (window - elapsed) / window
	if weight < 0 then weight = 0 end

	local estimate = (prevCount * weight) + curCount

	if estimate + delta > limit then
		local retryAfter = window - elapsed
		return {0, retryAfter}
	end

	local windowMs = math.ceil(window / 1000000)
	redis.call('INCRBY', curKey, delta)
	redis.call('PEXPIRE', curKey, windowMs * 2)

	return {1, 0}
`)

// Redis is a distributed averaging-fixed-window rate limiter, generalizing
// the teacher's sorted-set sliding window into a counter-based scheme that
// also meters token consumption.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing *redis.Client. The caller owns the client's
// lifecycle except that Close also closes it.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	return r.checkAndConsume(ctx, key, 1, limit, window)
}

func (r *Redis) CheckAndConsumeTokens(ctx context.Context, key string, tokens, limit int, window time.Duration) (Result, error) {
	if tokens == 0 || limit == 0 {
		return Result{Allowed: true}, nil
	}
	if tokens > limit {
		return Result{Allowed: false, Permanent: true}, nil
	}
	return r.checkAndConsume(ctx, key, tokens, limit, window)
}

func (r *Redis) checkAndConsume(ctx context.Context, key string, delta, limit int, window time.Duration) (Result, error) {
	now := time.Now().UnixNano()

	res, err := averagingFixedWindowScript.Run(ctx, r.client,
		[]string{key},
		now, window.Nanoseconds(), limit, delta,
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}

	allowed, _ := res[0].(int64)
	retryAfterNs, _ := res[1].(int64)

	if allowed == 1 {
		return Result{Allowed: true}, nil
	}
	return Result{Allowed: false, RetryAfter: time.Duration(retryAfterNs)}, nil
}

// Close closes the underlying Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
