package rest

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

// RateLimiter is the fixed-window limiter surface; fail-open implementations
// return (true, nil) on backend trouble.
type RateLimiter interface {
	AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error)
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

func RateLimitMiddleware(limiter RateLimiter, cfg RateLimitConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			allowed, _ := limiter.AllowRequest(r.Context(), ip, cfg.Limit, cfg.Window)
			if !allowed {
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keeps it simple: RemoteAddr host part.
// If you are behind a trusted reverse proxy, you may choose to trust X-Forwarded-For,
// but doing so blindly is a spoofing risk.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}
