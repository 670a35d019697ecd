package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/ratelimit"
)

// Bucket is one named rate limit.
type Bucket struct {
	Name   string
	Limit  int
	Window time.Duration
	// PerIP ignores the caller identity and always keys on client IP.
	PerIP bool
	// TrustedProxies is the number of proxies in front of the service.
	TrustedProxies int
}

// RateLimit applies bucket to every request. Limiter errors fail open.
func RateLimit(limiter ratelimit.Limiter, bucket Bucket, log zerolog.Logger) func(http.Handler) http.Handler {
	if bucket.Window <= 0 {
		bucket.Window = time.Minute
	}
	return func(next http.Handler) http.Handler {
		if bucket.Limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bucket.Name + ":" + rateKey(r, bucket)
			d, err := limiter.Allow(r.Context(), key, bucket.Limit, bucket.Window)
			if err != nil {
				log.Warn().Err(err).Str("bucket", bucket.Name).Msg("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				retry := int(math.Ceil(d.RetryAfter(time.Now()).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests", map[string]any{
					"bucket":      bucket.Name,
					"retry_after": retry,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateKey prefers the user, then the API key, then the client IP.
func rateKey(r *http.Request, bucket Bucket) string {
	if !bucket.PerIP {
		if p := auth.FromContext(r.Context()); p != nil {
			if p.User.ID != "" {
				return "user:" + p.User.ID
			}
			if p.APIKeyID != "" {
				return "key:" + p.APIKeyID
			}
		}
	}
	return "ip:" + ClientIP(r, bucket.TrustedProxies)
}
