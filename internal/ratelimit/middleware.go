// internal/ratelimit/middleware.go
package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the Aura id a request is charged to
type KeyFunc func(r *http.Request) string

// Middleware limits requests per Aura for operation and sets the
// X-RateLimit-* headers. Requests without an Aura id pass through.
func (l *AuraLimiter) Middleware(operation string, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auraID := keyFn(r)
			if auraID == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := l.Allow(auraID, operation)
			limit, remaining, limited := l.Info(auraID, operation)
			if limited {
				resetTime := time.Now().Add(time.Second).Unix()
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
			}

			if !allowed {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
