package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/leonletto/chatcore/internal/config"
	"github.com/leonletto/chatcore/internal/transport"
)

// staleLimiterAge is how long an idle user's limiter is kept.
const staleLimiterAge = 10 * time.Minute

// UserRateLimiter gives every acting user a token bucket for write requests.
type UserRateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*userLimiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewUserRateLimiter returns nil when cfg disables rate limiting.
func NewUserRateLimiter(cfg config.RateLimitConfig) *UserRateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(math.Ceil(cfg.RequestsPerSecond))
	}
	return &UserRateLimiter{
		limiters: make(map[int64]*userLimiter),
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// Reserve takes a token for userID. It returns zero when the request may
// proceed, or how long the caller should wait before retrying.
func (l *UserRateLimiter) Reserve(userID int64) time.Duration {
	now := l.now()
	r := l.get(userID, now).ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		// Rejected requests do not consume the token.
		r.CancelAt(now)
	}
	return delay
}

// CleanupStale drops limiters for users not seen within maxAge and returns
// how many were removed.
func (l *UserRateLimiter) CleanupStale(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for id, ul := range l.limiters {
		if ul.lastAccess.Before(cutoff) {
			delete(l.limiters, id)
			removed++
		}
	}
	return removed
}

func (l *UserRateLimiter) get(userID int64, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ul, ok := l.limiters[userID]; ok {
		ul.lastAccess = now
		return ul.limiter
	}
	if len(l.limiters) > 0 && len(l.limiters)%1024 == 0 {
		l.sweepLocked(now.Add(-staleLimiterAge))
	}
	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters[userID] = &userLimiter{limiter: limiter, lastAccess: now}
	return limiter
}

func (l *UserRateLimiter) sweepLocked(cutoff time.Time) {
	for id, ul := range l.limiters {
		if ul.lastAccess.Before(cutoff) {
			delete(l.limiters, id)
		}
	}
}

// RateLimit rejects an actor's requests beyond its budget with 429 and a
// Retry-After header. A nil limiter lets everything through.
func RateLimit(l *UserRateLimiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := transport.Actor(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if wait := l.Reserve(actor); wait > 0 {
				secs := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
