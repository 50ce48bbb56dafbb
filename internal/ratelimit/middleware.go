package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for the request.
type KeyFunc func(r *http.Request) string

// RejectFunc writes the response for a limited request. The middleware has
// already set Retry-After.
type RejectFunc func(w http.ResponseWriter, r *http.Request)

// Middleware enforces limiter on requests keyed by keyFunc. Limiter errors
// are logged and the request proceeds.
func Middleware(limiter Limiter, keyFunc KeyFunc, reject RejectFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if limiter == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				retry := 1
				if m, isMem := limiter.(*MemoryLimiter); isMem {
					retry = max(1, int(math.Ceil(m.RetryAfter(key).Seconds())))
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys on the client IP from RemoteAddr. X-Forwarded-For is not
// trusted: any client can set it to dodge the limit.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// PathValueKeyFunc keys on a route wildcard, e.g. the session id.
func PathValueKeyFunc(prefix, name string) KeyFunc {
	return func(r *http.Request) string {
		v := r.PathValue(name)
		if v == "" {
			return ""
		}
		return prefix + ":" + v
	}
}
