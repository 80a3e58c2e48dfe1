package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/upb/tenant-auth/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// IPRateLimiter is a token bucket per client IP
type IPRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows perSecond requests per IP with the given burst.
// Buckets unused for idle are dropped by Sweep.
func NewIPRateLimiter(perSecond float64, burst int, idle time.Duration, logger *zap.Logger) *IPRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &IPRateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		logger:  logger,
		now:     time.Now,
	}
}

// Allow takes a token from ip's bucket
func (l *IPRateLimiter) Allow(ip string) bool {
	if ip == "" {
		ip = "unknown"
	}
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

// Sweep drops idle buckets and returns how many were removed
func (l *IPRateLimiter) Sweep() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until stopCh is closed
func (l *IPRateLimiter) StartSweeper(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-stopCh:
				return
			}
		}
	}()
}

// Middleware answers 429 once the caller's bucket is empty
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !l.Allow(ip) {
			l.logger.Info("rate limit exceeded",
				zap.String("request_id", GetRequestIDFromContext(r.Context())),
				zap.String("ip", ip),
				zap.String("path", r.URL.Path))
			_ = utils.WriteTooManyRequests(w, "", l.retryAfter())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *IPRateLimiter) retryAfter() time.Duration {
	if l.limit <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / float64(l.limit))
}
