package api

import (
	"math"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/eigensurance/internal/errors"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterSweepSize = 10000
)

// RateLimiter manages per-caller token buckets. Signed-in callers are keyed
// by address, anonymous ones by IP.
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex

	anonymousLimit     rate.Limit
	authenticatedLimit rate.Limit

	// Burst size (number of requests that can be made in a burst)
	burstSize int
	now       func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(anonymousRPS, authenticatedRPS int) *RateLimiter {
	return &RateLimiter{
		limiters:           make(map[string]*limiterEntry),
		anonymousLimit:     rate.Limit(anonymousRPS),
		authenticatedLimit: rate.Limit(authenticatedRPS),
		burstSize:          10,
		now:                time.Now,
	}
}

// getLimiter returns the limiter for key, creating it on first use
func (rl *RateLimiter) getLimiter(key string, authenticated bool) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if entry, ok := rl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	if len(rl.limiters) >= limiterSweepSize {
		rl.sweep(now)
	}

	limit := rl.anonymousLimit
	if authenticated {
		limit = rl.authenticatedLimit
	}
	limiter := rate.NewLimiter(limit, rl.burstSize)
	rl.limiters[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// sweep drops limiters idle for longer than limiterIdleTTL; callers hold rl.mu
func (rl *RateLimiter) sweep(now time.Time) {
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(rl.limiters, key)
		}
	}
}

// RateLimitMiddleware creates a middleware that enforces rate limiting.
// It must run after SessionMiddleware to see the caller's address.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, authenticated := "ip:"+clientIP(r), false
			if claims := sessionFromContext(r.Context()); claims != nil {
				key, authenticated = "addr:"+claims.Address, true
			}

			limiter := rl.getLimiter(key, authenticated)
			if !limiter.Allow() {
				retryAfter := 1
				if l := float64(limiter.Limit()); l > 0 {
					retryAfter = int(math.Ceil(1 / l))
				}
				respondError(w, r, apperrors.NewRateLimitError(retryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
