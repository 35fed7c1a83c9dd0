package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/paydash/authcore/internal/model"
)

// RateLimitConfig holds configuration for a specific rate limit
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
	// Endpoint names the bucket; the request path is used when empty.
	Endpoint string
	KeyFn    func(*http.Request) string
}

// RateLimit creates a rate limiting middleware backed by the shared
// limiter. Limiter failures let the request through.
func (m *Middleware) RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.cfg.Security.RateLimiting.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			endpoint := cfg.Endpoint
			if endpoint == "" {
				endpoint = r.URL.Path
			}

			d, err := m.limiter.CheckAndIncrement(r.Context(), cfg.KeyFn(r), endpoint, cfg.Limit, cfg.Window)
			if err != nil {
				m.log.Error().Err(err).Msg("failed to check rate limit")
				next.ServeHTTP(w, r)
				return
			}

			// Set rate limit headers
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.ResetAfter).Unix(), 10))

			if !d.Allowed {
				w.Header().Set("Retry-After", retryAfterSeconds(d.ResetAfter.Seconds()))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKey returns the client IP address as the rate limit key
func IPKey(r *http.Request) string {
	ip := GetClientIP(r.Context())
	if ip == "" {
		ip = resolveClientIP(r, false)
	}
	return model.IPIdentifier(ip)
}

// UserKey returns the dashboard user from context as the rate limit key
func UserKey(r *http.Request) string {
	if userID := GetUserID(r.Context()); userID != "" {
		return "user:" + userID
	}
	return "user:anonymous"
}
