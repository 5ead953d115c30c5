package webhook

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithTrustedProxyHeaders keys clients by X-Real-IP or the first
// X-Forwarded-For address. Enable it only behind a proxy that sets them.
func WithTrustedProxyHeaders() RateLimiterOption {
	return func(l *RateLimiter) { l.trustProxy = true }
}

// WithIdleTTL sets how long a quiet client's bucket is remembered.
func WithIdleTTL(d time.Duration) RateLimiterOption {
	return func(l *RateLimiter) { l.idle = d }
}

func withClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter gives every client its own token bucket. Buckets of clients
// idle longer than the TTL are dropped on a later call.
type RateLimiter struct {
	limit      rate.Limit
	burst      int
	idle       time.Duration
	trustProxy bool
	now        func() time.Time

	mu        sync.Mutex
	clients   map[string]*bucket
	lastSweep time.Time
}

// NewRateLimiter allows each client perMinute requests a minute with an
// equal burst. perMinute <= 0 means 60.
func NewRateLimiter(perMinute int, opts ...RateLimiterOption) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	l := &RateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		idle:    10 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow takes a token for client. When none is left it reports how long
// until one is.
func (l *RateLimiter) Allow(client string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, b := range l.clients {
			if now.Sub(b.seen) > l.idle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.clients[client]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = b
	}
	b.seen = now
	l.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Middleware answers 429 with Retry-After once a client is over its limit.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := l.Allow(l.clientKey(r)); !ok {
			secs := max(int(math.Ceil(wait.Seconds())), 1)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) clientKey(r *http.Request) string {
	if l.trustProxy {
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
