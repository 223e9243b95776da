package mw

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/MrSnakeDoc/autostartstop/internal/utils"
)

type RateLimitConfig struct {
	RatePerSec    float64 // sustained requests per second per client
	Burst         int
	MaxEntries    int
	SweepInterval time.Duration
	IdleTTL       time.Duration
	TrustProxy    bool // resolve IP from proxy headers when true
}

// limiter keeps one token bucket per client IP. Idle buckets expire after
// IdleTTL.
type limiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets *cache.Cache
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 15 * time.Minute
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	return &limiter{
		cfg:     cfg,
		buckets: cache.New(cfg.IdleTTL, cfg.SweepInterval),
	}
}

func (l *limiter) getBucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, found := l.buckets.Get(key); found {
		b := v.(*rate.Limiter)
		l.buckets.SetDefault(key, b) // slide expiration
		return b
	}
	if l.cfg.MaxEntries > 0 && l.buckets.ItemCount() >= l.cfg.MaxEntries {
		l.buckets.DeleteExpired()
	}
	b := rate.NewLimiter(rate.Limit(l.cfg.RatePerSec), l.cfg.Burst)
	l.buckets.SetDefault(key, b)
	return b
}

func (l *limiter) allow(key string, now time.Time) (ok bool, remaining int, retryAfterSec int) {
	b := l.getBucket(key)

	if b.AllowN(now, 1) {
		return true, int(math.Floor(b.TokensAt(now))), 0
	}

	r := b.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)

	sec := int(math.Ceil(delay.Seconds()))
	if sec < 1 {
		sec = 1
	}
	return false, 0, sec
}

func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	l := newLimiter(cfg)
	limitStr := strconv.Itoa(l.cfg.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := utils.ClientIP(r, l.cfg.TrustProxy)

			ok, remaining, retry := l.allow(key, time.Now())
			w.Header().Set("X-RateLimit-Limit", limitStr)
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("X-RateLimit-Remaining", "0")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			next.ServeHTTP(w, r)
		})
	}
}
