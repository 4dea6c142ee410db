package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"nip05/internal/platform/metrics"
	"nip05/internal/ratelimit/models"
	"nip05/pkg/platform/circuit"
	"nip05/pkg/platform/httputil"
	"nip05/pkg/requestcontext"
)

const HeaderRateLimitStatus = "X-RateLimit-Status"

// Store counts requests against a budget.
type Store interface {
	Allow(ctx context.Context, key string, limit models.Limit) (*models.RateLimitResult, error)
}

type Middleware struct {
	store    Store
	fallback Store
	breaker  *circuit.Breaker
	limits   map[models.EndpointClass]models.Limit
	logger   *slog.Logger
	metrics  *metrics.Metrics
	disabled bool
}

type Option func(*Middleware)

// WithDisabled disables rate limiting entirely (for local development).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

// WithFallback sets the store used while the primary store is failing. Without
// a fallback, requests pass unlimited during a primary outage.
func WithFallback(store Store) Option {
	return func(m *Middleware) {
		m.fallback = store
	}
}

// WithLimits overrides the budget for individual endpoint classes.
func WithLimits(limits map[models.EndpointClass]models.Limit) Option {
	return func(m *Middleware) {
		for class, limit := range limits {
			m.limits[class] = limit
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(mw *Middleware) {
		mw.metrics = m
	}
}

// WithBreaker replaces the breaker that decides when to use the fallback.
func WithBreaker(b *circuit.Breaker) Option {
	return func(m *Middleware) {
		m.breaker = b
	}
}

func New(store Store, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		store:   store,
		logger:  logger,
		limits:  models.DefaultLimits(),
		breaker: circuit.New("ratelimit"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// RateLimit enforces the per-IP budget of class.
func (m *Middleware) RateLimit(class models.EndpointClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled {
				next.ServeHTTP(w, r)
				return
			}
			limit, ok := m.limits[class]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			ip := requestcontext.ClientIP(ctx)
			result, degraded, err := m.check(ctx, models.Key(class, ip), limit)
			if degraded {
				w.Header().Set(HeaderRateLimitStatus, "degraded")
			}
			if err != nil {
				m.logger.ErrorContext(ctx, "failed to check rate limit",
					"request_id", requestcontext.RequestID(ctx),
					"class", class,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			addRateLimitHeaders(w, result)
			if !result.Allowed {
				m.metrics.IncRateLimited(string(class))
				m.logger.WarnContext(ctx, "rate limit exceeded",
					"request_id", requestcontext.RequestID(ctx),
					"class", class,
					"retry_after", result.RetryAfter,
				)
				writeRateLimitExceeded(w, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// check asks the primary store unless the breaker is open, falling back to the
// in-process store when the primary is failing.
func (m *Middleware) check(ctx context.Context, key string, limit models.Limit) (*models.RateLimitResult, bool, error) {
	if m.breaker.Allow() {
		result, err := m.store.Allow(ctx, key, limit)
		if err == nil {
			usePrimary, change := m.breaker.RecordSuccess()
			if change.Closed {
				m.logger.InfoContext(ctx, "rate limit store recovered")
			}
			if usePrimary {
				return result, false, nil
			}
			return m.useFallback(ctx, key, limit)
		}
		_, change := m.breaker.RecordFailure()
		if change.Opened {
			m.logger.WarnContext(ctx, "rate limit store failing, using fallback", "error", err)
		}
		if m.fallback == nil {
			return nil, true, err
		}
	}
	return m.useFallback(ctx, key, limit)
}

func (m *Middleware) useFallback(ctx context.Context, key string, limit models.Limit) (*models.RateLimitResult, bool, error) {
	if m.fallback == nil {
		return &models.RateLimitResult{Allowed: true, Limit: limit.Requests, Remaining: limit.Requests}, true, nil
	}
	result, err := m.fallback.Allow(ctx, key, limit)
	return result, true, err
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	if result == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	}
}

func writeRateLimitExceeded(w http.ResponseWriter, result *models.RateLimitResult) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RateLimitExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests. Please try again later.",
		RetryAfter: result.RetryAfter,
	})
}
