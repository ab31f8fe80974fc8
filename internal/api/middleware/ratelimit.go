package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/api/response"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/cache"
)

const defaultRequestsPerMinute = 60

// Counter is the windowed counter behind RateLimit. cache.RedisCache satisfies it.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RateLimit provides fixed-window rate limiting per API key via Redis.
type RateLimit struct {
	counter        Counter
	requestsPerMin int
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c Counter, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{counter: c, requestsPerMin: requestsPerMin}
}

// Limit applies rate limiting based on the key_prefix set by auth middleware.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.counter.IncrWithExpiry(r.Context(), cache.RateLimitKey(prefix), time.Minute)
		if err != nil {
			// Fail open.
			slog.Warn("rate limit counter unavailable", "key_prefix", prefix, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.requestsPerMin - int(count)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Minute).Unix()))

		if count > int64(rl.requestsPerMin) {
			w.Header().Set("Retry-After", "60")
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
