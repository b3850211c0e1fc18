// Package middleware carries HTTP middlewares for the broker's REST
// surface. The websocket path has its own per-App failure-window
// limiter; these middlewares only cover the operator API.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter enforces a per-client request cap on REST calls over a
// one-minute window. Clients are keyed by IP; expired windows are
// garbage-collected in the background.
type RateLimiter struct {
	mu        sync.RWMutex
	windows   map[string]*window
	perMinute int
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter creates a rate limiter allowing perMinute calls per
// client per minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}

	rl := &RateLimiter{
		windows:   make(map[string]*window),
		perMinute: perMinute,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a call from key fits the current window.
//
// Existing-window checks run under the read lock; the count increment
// races slightly under concurrency, which is acceptable for a soft
// limit and keeps the hot path cheap.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	w, exists := rl.windows[key]
	if exists && now.Sub(w.start) <= time.Minute {
		w.count++
		count := w.count
		rl.mu.RUnlock()

		if count > rl.perMinute {
			slog.Warn("api rate limit exceeded", "client", key, "count", count, "limit", rl.perMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another goroutine may have rotated the window in between.
	w, exists = rl.windows[key]
	if exists && now.Sub(w.start) <= time.Minute {
		w.count++
		return w.count <= rl.perMinute
	}

	rl.windows[key] = &window{count: 1, start: now}
	return true
}

// Middleware rejects over-limit calls with 429 and a Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller: the first X-Forwarded-For hop when a
// proxy fronts the broker, the socket address otherwise.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanup drops windows that expired more than a minute ago.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, w := range rl.windows {
			if now.Sub(w.start) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
