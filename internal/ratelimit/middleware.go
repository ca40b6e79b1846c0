package ratelimit

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"

	"custody-tracker/internal/telemetry"
)

// Middleware limits requests per key. Requests with an empty key pass
// through. When Redis fails the request is allowed and the error logged.
func Middleware(bucket *TokenBucket, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := key(r)
			if bucket == nil || id == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, tokens, err := bucket.Allow(r.Context(), id)
			if err != nil {
				log.Printf("ratelimit: allowing %s: %v", id, err)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(bucket.Capacity()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Floor(tokens))))
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "rate_limited",
					"message": "too many scans, slow down",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
