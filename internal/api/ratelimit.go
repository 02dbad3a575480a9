package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// idleBucketTTL is how long an untouched bucket is kept before it expires.
const idleBucketTTL = 10 * time.Minute

// rateLimiter implements a keyed token bucket rate limiter. Buckets live in a
// go-cache so idle ones expire on their own.
type rateLimiter struct {
	mu      sync.Mutex
	buckets *gocache.Cache
	rate    float64 // tokens per second
	burst   int     // max tokens
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: gocache.New(idleBucketTTL, idleBucketTTL/2),
		rate:    requestsPerSecond,
		burst:   burst,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	var b *bucket
	if v, ok := rl.buckets.Get(key); ok {
		b = v.(*bucket)
	} else {
		b = &bucket{
			tokens:    float64(rl.burst),
			lastCheck: now,
		}
	}
	// Every touch pushes the expiry out again.
	rl.buckets.SetDefault(key, b)

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now

	if b.tokens < 1 {
		return false
	}

	b.tokens--
	return true
}

// size returns the number of live buckets.
func (rl *rateLimiter) size() int {
	return rl.buckets.ItemCount()
}

// clientIP strips the port from RemoteAddr, which chi's RealIP middleware has
// already set to the real client address.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ipRateLimitMiddleware rate-limits by client IP.
func ipRateLimitMiddleware(rl *rateLimiter, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(clientIP(r)) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminRateLimitMiddleware rate-limits by admin key name. It must run after
// adminKeyMiddleware.
func adminRateLimitMiddleware(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := adminFromContext(r.Context())
			if name == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.allow(name) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
