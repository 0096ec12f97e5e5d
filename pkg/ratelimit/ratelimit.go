package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter applies per-key token-bucket rate limiting. Keys are typically
// client IPs; each admin route group owns its own Limiter so GET and POST
// budgets stay independent.
type Limiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter allowing rps requests per second with
// the given burst.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*clientLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether a request under the key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	cl, ok := l.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = cl
	}
	cl.lastSeen = time.Now()
	l.mu.Unlock()

	return cl.limiter.Allow()
}

// Middleware wraps a handler with rate limiting keyed by keyFunc.
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CleanupOldLimiters drops limiters idle for longer than maxAge so the map
// does not grow with every client ever seen.
func (l *Limiter) CleanupOldLimiters(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, cl := range l.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}

// StartCleanup runs CleanupOldLimiters on an interval until stopCh closes.
func (l *Limiter) StartCleanup(interval, maxAge time.Duration, stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				l.CleanupOldLimiters(maxAge)
			}
		}
	}()
}

// IPKeyFunc extracts the client IP as the rate limit key.
func IPKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}
