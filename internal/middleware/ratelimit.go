package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/httputil"
	"github.com/civic-os/reflections/internal/logging"
)

// DefaultIdleTTL is how long an unused limiter is kept.
const DefaultIdleTTL = 30 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per caller: the session handle when signed
// in, the client IP otherwise.
type RateLimiter struct {
	limiters  map[string]*limiterEntry
	mu        sync.Mutex
	perMinute int
	rate      rate.Limit
	burst     int
	logger    *logging.Logger
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing perMinute requests with burst.
func NewRateLimiter(perMinute int, burst int, logger *logging.Logger) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 6
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters:  make(map[string]*limiterEntry),
		perMinute: perMinute,
		rate:      rate.Limit(float64(perMinute) / 60),
		burst:     burst,
		logger:    logger,
		now:       time.Now,
	}
}

// getLimiter returns a rate limiter for the given key
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = rl.now()
	return entry.limiter
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := GetHandle(r.Context())
		if key == "" {
			key = "ip:" + clientIP(r)
		}

		if !rl.getLimiter(key).Allow() {
			rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
				"key":    key,
				"path":   r.URL.Path,
				"method": r.Method,
			})
			w.Header().Set("Retry-After", "10")
			httputil.WriteError(w, r, errors.RateLimitExceeded(rl.perMinute, "1m"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops limiters idle for longer than idle and returns how many
// were removed.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked callers.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// ScheduleCleanup registers a periodic Cleanup on c using a cron spec
// such as "@every 10m".
func (rl *RateLimiter) ScheduleCleanup(c *cron.Cron, spec string, idle time.Duration) (cron.EntryID, error) {
	if idle <= 0 {
		idle = DefaultIdleTTL
	}
	return c.AddFunc(spec, func() {
		if removed := rl.Cleanup(idle); removed > 0 {
			rl.logger.WithField("removed", removed).Debug("rate limiter cleanup")
		}
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
