// Package memory keeps per-client token buckets in process memory. Used when no
// Redis is configured and as the fallback while Redis is unreachable.
package memory

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"nip05/internal/ratelimit/models"
)

const defaultMaxKeys = 10_000

// Store implements a token bucket per key. The bucket table is bounded so a flood
// of distinct client addresses evicts the least recently seen ones.
type Store struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	now     func() time.Time
}

type Option func(*Store)

// WithMaxKeys bounds the number of tracked buckets.
func WithMaxKeys(n int) Option {
	return func(s *Store) {
		if n > 0 {
			cache, err := lru.New[string, *rate.Limiter](n)
			if err == nil {
				s.buckets = cache
			}
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	// lru.New only fails for a non-positive size
	cache, _ := lru.New[string, *rate.Limiter](defaultMaxKeys)
	s := &Store{buckets: cache, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow takes one token from the bucket for key. A full bucket holds limit.Requests
// tokens and refills evenly over limit.Window.
func (s *Store) Allow(_ context.Context, key string, limit models.Limit) (*models.RateLimitResult, error) {
	if err := limit.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	lim, ok := s.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Every(limit.Window/time.Duration(limit.Requests)), limit.Requests)
		s.buckets.Add(key, lim)
	}

	refill := limit.Window / time.Duration(limit.Requests)
	if lim.AllowN(now, 1) {
		tokens := lim.TokensAt(now)
		missing := float64(limit.Requests) - tokens
		return &models.RateLimitResult{
			Allowed:   true,
			Limit:     limit.Requests,
			Remaining: int(math.Floor(tokens)),
			ResetAt:   now.Add(time.Duration(missing * float64(refill))),
		}, nil
	}

	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return &models.RateLimitResult{
		Allowed:    false,
		Limit:      limit.Requests,
		Remaining:  0,
		ResetAt:    now.Add(delay),
		RetryAfter: retryAfterSeconds(delay),
	}, nil
}

// Len reports how many buckets are tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets.Len()
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
