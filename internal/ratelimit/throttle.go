package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Throttle is a per-client-IP token bucket. It runs before any handler logic
// and never touches the store.
type Throttle struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewThrottle allows each IP rps requests per second with bursts up to burst.
// rps <= 0 disables throttling.
func NewThrottle(rps float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from ip's bucket.
func (t *Throttle) Allow(ip string) bool {
	if t.rps <= 0 {
		return true
	}
	now := t.now()

	t.mu.Lock()
	b, ok := t.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(t.rps, t.burst)}
		t.buckets[ip] = b
	}
	b.lastSeen = now
	t.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

// PurgeIdle drops buckets unused for longer than idle. Returns how many were dropped.
func (t *Throttle) PurgeIdle(idle time.Duration) int {
	cutoff := t.now().Add(-idle)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ip, b := range t.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(t.buckets, ip)
			n++
		}
	}
	return n
}

// Middleware rejects requests over the client's rate with 429.
// Expects chi's RealIP to have run so RemoteAddr is the client address.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(ClientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"Too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns r.RemoteAddr without its port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
