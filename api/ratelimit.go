package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// PartnerRateLimiter throttles balance-moving requests per partner id.
type PartnerRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*partnerLimiter
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastPrune time.Time
	now       func() time.Time
}

type partnerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPartnerRateLimiter allows perMinute requests per partner with the
// given burst. perMinute <= 0 disables limiting.
func NewPartnerRateLimiter(perMinute float64, burst int) *PartnerRateLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &PartnerRateLimiter{
		limiters: make(map[string]*partnerLimiter),
		limit:    limit,
		burst:    burst,
		idleTTL:  30 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether key may proceed now, and if not how long to wait.
func (l *PartnerRateLimiter) Allow(key string) (bool, time.Duration) {
	if l.limit == rate.Inf {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	pl, ok := l.limiters[key]
	if !ok {
		pl = &partnerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = pl
	}
	pl.lastSeen = now

	r := pl.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *PartnerRateLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.idleTTL {
		return
	}
	l.lastPrune = now
	for key, pl := range l.limiters {
		if now.Sub(pl.lastSeen) > l.idleTTL {
			delete(l.limiters, key)
		}
	}
}

// Middleware limits by the {id} route parameter.
func (l *PartnerRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.Allow(chi.URLParam(r, "id"))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "Too many requests for this partner", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
