package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"gravitas/pkg/auth"
	"gravitas/pkg/httpx"
)

// KeyFunc picks the bucket a request counts against.
type KeyFunc func(r *http.Request) string

// IdentityKey buckets by authenticated identity, falling back to the client
// address for anonymous requests.
func IdentityKey(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" {
		return "id:" + p.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware answers 429 with Retry-After once a key exceeds limit requests
// in the window.
func Middleware(l Limiter, limit int, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = IdentityKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), key(r), limit)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter(time.Now()).Seconds())))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
