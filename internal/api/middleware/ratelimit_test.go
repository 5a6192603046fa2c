package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestThrottleBurstAndIsolation(t *testing.T) {
	th := NewThrottle(1, 2)

	for i := 0; i < 2; i++ {
		if !th.Allow("10.0.0.1") {
			t.Fatalf("request %d within burst denied", i+1)
		}
	}
	if th.Allow("10.0.0.1") {
		t.Error("request over burst allowed")
	}

	// A different client has its own budget.
	if !th.Allow("10.0.0.2") {
		t.Error("fresh client denied")
	}
}

func TestThrottleSweepDropsIdleClients(t *testing.T) {
	th := NewThrottle(1, 1)
	th.Allow("10.0.0.1")
	th.Allow("10.0.0.2")

	// Age both entries past the idle cutoff and force the next Allow to
	// sweep.
	th.mu.Lock()
	old := time.Now().Add(-2 * sweepEvery)
	for _, e := range th.clients {
		e.lastSeen = old
	}
	th.lastSweep = old
	th.mu.Unlock()

	if !th.Allow("10.0.0.3") {
		t.Fatal("request after sweep denied")
	}

	th.mu.Lock()
	n := len(th.clients)
	th.mu.Unlock()
	if n != 1 {
		t.Errorf("clients after sweep = %d, want 1", n)
	}

	// The swept client starts over with a full burst.
	if !th.Allow("10.0.0.1") {
		t.Error("swept client denied on return")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	th := NewThrottle(1, 1)
	handler := RateLimit(th)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/ai", nil)
	req.RemoteAddr = "192.0.2.7:51000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request: status = %d, want 204", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.0.2.1:4242", "192.0.2.1"},
		{"[2001:db8::1]:4242", "2001:db8::1"},
		{"192.0.2.1", "192.0.2.1"}, // no port, returned as-is
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
