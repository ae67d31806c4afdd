package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter holds one token bucket per key.
type KeyedLimiter struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

// NewKeyedLimiter allows perMinute events per key with the given burst.
// A non-positive perMinute disables limiting.
func NewKeyedLimiter(perMinute, burst int) *KeyedLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &KeyedLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes a token for key. When denied it returns how long until the
// next token is available.
func (l *KeyedLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now

	res := e.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *KeyedLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < limiterIdleTTL {
		return
	}
	l.lastSweep = now
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.entries, k)
		}
	}
}

// RateLimit rejects requests over the limit with 429 and a Retry-After header.
// Requests for which key returns "" are not limited.
func RateLimit(l *KeyedLimiter, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			if ok, wait := l.Allow(k); !ok {
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeJSONError(w, http.StatusTooManyRequests, "too many generation requests; try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
