package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// RateLimit allows each client limit requests per window, with reads and
// mutating calls counted in separate buckets so polling a round never uses
// up a participant's budget for wagering or claiming. Operators are keyed
// by API key, everyone else by client IP. Limiter errors fail open.
func RateLimit(limiter domain.RateLimiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(max(1, int(window/time.Second)))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), rateLimitKey(r), limit, window)
			if err != nil || allowed {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
		})
	}
}

// rateLimitKey is api:<read|write>:<client>.
func rateLimitKey(r *http.Request) string {
	class := "read"
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		class = "write"
	}
	if key := extractToken(r); key != "" {
		return "api:" + class + ":key:" + key
	}
	return "api:" + class + ":ip:" + clientIP(r)
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
