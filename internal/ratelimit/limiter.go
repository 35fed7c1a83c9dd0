package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paydash/authcore/internal/model"
	"github.com/redis/go-redis/v9"
)

// checkAndIncrementLua admits or rejects one request against a fixed window bucket.
// KEYS[1] = bucket key
// ARGV[1] = now (unix ms)
// ARGV[2] = window (ms)
// ARGV[3] = limit
//
// Returns {allowed (0|1), count, window_start}. A rejected request does not
// increment the counter.
var checkAndIncrementLua = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local fields = redis.call('HMGET', KEYS[1], 'window_start', 'count')
local start = now
local count = 0
if fields[1] and fields[2] then
  start = tonumber(fields[1])
  count = tonumber(fields[2])
end

if now - start >= window then
  start = now
  count = 0
end

if count >= limit then
  return {0, count, start}
end

count = count + 1
redis.call('HSET', KEYS[1], 'window_start', start, 'count', count)
redis.call('PEXPIRE', KEYS[1], window - (now - start))
return {1, count, start}
`)

// inspectLua returns {window_start, count} of a live bucket, or {0, 0}
// when the bucket is missing or its window has passed.
var inspectLua = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local fields = redis.call('HMGET', KEYS[1], 'window_start', 'count')
if not fields[1] or not fields[2] then
  return {0, 0}
end
local start = tonumber(fields[1])
if now - start >= window then
  return {0, 0}
end
return {start, tonumber(fields[2])}
`)

// ErrInvalidLimit is returned for a non-positive limit or window
var ErrInvalidLimit = errors.New("rate limit and window must be positive")

// Decision is the outcome of one CheckAndIncrement call
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter is a Redis-backed counter keyed by (identifier, endpoint)
type Limiter struct {
	rdb    redis.Scripter
	prefix string
	now    func() time.Time
}

// New creates a Limiter. Any go-redis client satisfies redis.Scripter.
func New(rdb redis.Scripter) *Limiter {
	return &Limiter{rdb: rdb, prefix: "rl", now: time.Now}
}

// WithClock replaces the time source
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Key returns the Redis key of the bucket for identifier and endpoint
func (l *Limiter) Key(identifier, endpoint string) string {
	return l.prefix + ":" + identifier + ":" + endpoint
}

// CheckAndIncrement atomically checks the bucket for identifier and
// endpoint and, when below limit, counts the request. The count stored
// in Redis never exceeds limit.
func (l *Limiter) CheckAndIncrement(ctx context.Context, identifier, endpoint string, limit int, window time.Duration) (*Decision, error) {
	if limit <= 0 || window <= 0 {
		return nil, ErrInvalidLimit
	}

	nowMs := l.now().UnixMilli()
	windowMs := window.Milliseconds()
	if windowMs == 0 {
		windowMs = 1
	}

	res, err := checkAndIncrementLua.Run(ctx, l.rdb, []string{l.Key(identifier, endpoint)}, nowMs, windowMs, limit).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	count := int(res[1])
	resetAfter := time.Duration(res[2]+windowMs-nowMs) * time.Millisecond
	if resetAfter < 0 {
		resetAfter = 0
	}

	return &Decision{
		Allowed:    res[0] == 1,
		Count:      count,
		Limit:      limit,
		Remaining:  max(0, limit-count),
		ResetAfter: resetAfter,
	}, nil
}

// Inspect returns the current window of a bucket without counting a
// request. A missing or elapsed bucket is reported with a zero count
// starting now.
func (l *Limiter) Inspect(ctx context.Context, identifier, endpoint string, window time.Duration) (*model.RateWindow, error) {
	if window <= 0 {
		return nil, ErrInvalidLimit
	}
	now := l.now()
	windowMs := max(window.Milliseconds(), 1)

	res, err := inspectLua.Run(ctx, l.rdb, []string{l.Key(identifier, endpoint)}, now.UnixMilli(), windowMs).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit inspect failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("rate limit inspect returned %d values", len(res))
	}

	rw := &model.RateWindow{
		Identifier:  identifier,
		Endpoint:    endpoint,
		WindowStart: now.UTC(),
		Count:       int(res[1]),
	}
	if res[1] > 0 {
		rw.WindowStart = time.UnixMilli(res[0]).UTC()
	}
	return rw, nil
}
