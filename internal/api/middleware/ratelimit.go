package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepEvery is how often Allow prunes idle client entries, and also how
// long an entry may sit unused before it is dropped.
const sweepEvery = 5 * time.Minute

// Throttle rate-limits requests per client IP. The webhook ingress is its
// only consumer: transcripts arrive per utterance, so the sizing runs well
// above interactive rates while still containing a runaway caller.
type Throttle struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*throttleEntry
	lastSweep time.Time
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a per-IP throttle allowing perSecond sustained
// requests with the given burst headroom per client.
func NewThrottle(perSecond float64, burst int) *Throttle {
	return &Throttle{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		clients:   make(map[string]*throttleEntry),
		lastSweep: time.Now(),
	}
}

// NewWebhookThrottle returns the throttle used on the AI webhook: 50
// requests/second sustained, bursts to 100.
func NewWebhookThrottle() *Throttle {
	return NewThrottle(50, 100)
}

// Allow reports whether a request from ip fits the client's budget. Stale
// client entries are pruned opportunistically, so no background goroutine
// is needed.
func (t *Throttle) Allow(ip string) bool {
	now := time.Now()

	t.mu.Lock()
	if now.Sub(t.lastSweep) >= sweepEvery {
		t.sweepLocked(now)
	}
	entry, ok := t.clients[ip]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[ip] = entry
	}
	entry.lastSeen = now
	t.mu.Unlock()

	return entry.limiter.Allow()
}

func (t *Throttle) sweepLocked(now time.Time) {
	cutoff := now.Add(-sweepEvery)
	for ip, entry := range t.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(t.clients, ip)
		}
	}
	t.lastSweep = now
}

// RateLimit wraps a handler with the throttle. Over-budget requests get
// 429 with a Retry-After hint and the api package's error envelope shape.
func RateLimit(t *Throttle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !t.Allow(ip) {
				slog.Warn("rate limit exceeded", "ip", ip, "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`)) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware runs
// earlier in the stack and has already folded X-Forwarded-For / X-Real-IP
// into RemoteAddr when the server sits behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
