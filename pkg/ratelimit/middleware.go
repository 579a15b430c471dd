package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/getmockd/faultd/pkg/httputil"
)

// Middleware rejects requests over the per-client budget with 429 and a
// JSON error body. A nil limiter disables limiting.
func Middleware(limiter *PerIPLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, remaining, retry := limiter.Allow(limiter.ClientIP(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.FormatUint(limiter.Burst(), 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatUint(remaining, 10))
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Retry-After", strconv.Itoa(retrySeconds(retry)))
			httputil.WriteTooManyRequests(w, "rate_limited", "too many admin requests")
		})
	}
}

// retrySeconds rounds up to whole seconds with a floor of one.
func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
