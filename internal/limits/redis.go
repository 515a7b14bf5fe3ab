package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow prunes, counts and records in one atomic step.
// KEYS[1] key; ARGV now_ms, window_ms, limit, member.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisLimiter is a sliding-window limiter shared by every server instance.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	rate   int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter allows rate events per window per key. prefix separates
// independent windows, e.g. "erfa:rl:upload:".
func NewRedisLimiter(client *redis.Client, prefix string, rate int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, rate: rate, window: window, now: time.Now}
}

func (l *RedisLimiter) Admit(ctx context.Context, key string) (bool, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, l.client, []string{l.prefix + key},
		now, l.window.Milliseconds(), l.rate, fmt.Sprintf("%d-%s", now, uuid.NewString())).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return res == 1, nil
}
