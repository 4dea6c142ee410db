// Package redis shares fixed-window request counters between instances.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nip05/internal/ratelimit/models"
)

// incrWindow increments the counter and starts the window on the first hit.
// Returns {count, remaining window in ms}.
var incrWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Store implements fixed-window rate limiting on Redis.
type Store struct {
	client redis.Scripter
	now    func() time.Time
}

// New wraps a client whose lifecycle is managed by the caller.
func New(client redis.Scripter) *Store {
	return &Store{client: client, now: time.Now}
}

// Allow counts one request for key in the current window.
func (s *Store) Allow(ctx context.Context, key string, limit models.Limit) (*models.RateLimitResult, error) {
	if err := limit.Validate(); err != nil {
		return nil, err
	}
	vals, err := incrWindow.Run(ctx, s.client, []string{key}, limit.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit counter: %w", err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("rate limit counter: unexpected reply length %d", len(vals))
	}
	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	resetAt := s.now().Add(ttl)

	if count <= limit.Requests {
		return &models.RateLimitResult{
			Allowed:   true,
			Limit:     limit.Requests,
			Remaining: limit.Requests - count,
			ResetAt:   resetAt,
		}, nil
	}
	retry := int((ttl + time.Second - 1) / time.Second)
	if retry < 1 {
		retry = 1
	}
	return &models.RateLimitResult{
		Allowed:    false,
		Limit:      limit.Requests,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retry,
	}, nil
}
