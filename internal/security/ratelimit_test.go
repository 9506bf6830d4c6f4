package security

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimiterAllow(t *testing.T) {
	// 1 request per second, burst of 2
	rl := NewRateLimiter(rate.Limit(1), 2)
	defer rl.Stop()

	ip := "10.0.0.1"

	// First two should succeed (burst)
	if !rl.Allow(ip) {
		t.Error("first request should be allowed")
	}
	if !rl.Allow(ip) {
		t.Error("second request (burst) should be allowed")
	}

	// Third should be denied (burst exhausted, no time to replenish)
	if rl.Allow(ip) {
		t.Error("third request should be denied (burst exhausted)")
	}
}

func TestRateLimiterPerKey(t *testing.T) {
	// Very low rate to test per-key isolation
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	// IP A uses its burst
	if !rl.Allow("10.0.0.1") {
		t.Error("IP A first request should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("IP A second request should be denied")
	}

	// IP B should still have its own burst
	if !rl.Allow("10.0.0.2") {
		t.Error("IP B first request should be allowed")
	}
}

func TestRateLimiterUpdateRate(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	ip := "10.0.0.1"

	// Use up burst
	rl.Allow(ip)

	// Update to higher burst
	rl.UpdateRate(rate.Limit(1), 5)

	// Should have new burst available
	if !rl.Allow(ip) {
		t.Error("should be allowed after rate update")
	}
}

func TestRateLimiterMaxEntries(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 10)
	defer rl.Stop()

	// Override maxEntries to a small value for testing
	rl.mu.Lock()
	rl.maxEntries = 3
	rl.mu.Unlock()

	// First 3 IPs should be allowed
	for i := 0; i < 3; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		if !rl.Allow(ip) {
			t.Errorf("IP %s should be allowed (map not full)", ip)
		}
	}

	// 4th IP should be rejected (map cap reached)
	if rl.Allow("10.0.0.100") {
		t.Error("should reject new IP when map is at capacity")
	}

	// Existing IP should still be allowed
	if !rl.Allow("10.0.0.1") {
		t.Error("existing IP should still be allowed")
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	rl.Stop() // Should not panic or deadlock
}

func TestRateLimiterEvictsStaleKeys(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	rl.Allow("alice")
	rl.Allow("bob")
	if got := rl.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	rl.evict(time.Now().Add(rl.ttl + time.Second))
	if got := rl.Len(); got != 0 {
		t.Errorf("Len() after eviction = %d, want 0", got)
	}
}

func TestPerMinute(t *testing.T) {
	rl := PerMinute(3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("k") {
			t.Fatalf("request %d should be allowed within the per-minute budget", i+1)
		}
	}
	if rl.Allow("k") {
		t.Error("fourth request should be denied")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	h := rl.Middleware(func(r *http.Request) string {
		return r.Header.Get("X-User")
	}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if user != "" {
			req.Header.Set("X-User", user)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("429 response without Retry-After")
		}
		return rec.Code
	}

	if got := do("alice"); got != http.StatusNoContent {
		t.Errorf("first alice request = %d, want 204", got)
	}
	if got := do("alice"); got != http.StatusTooManyRequests {
		t.Errorf("second alice request = %d, want 429", got)
	}
	if got := do("bob"); got != http.StatusNoContent {
		t.Errorf("bob request = %d, want 204", got)
	}
	if got := do(""); got != http.StatusNoContent {
		t.Errorf("keyless request = %d, want 204", got)
	}
}

func TestRateLimiterMiddlewareCustomReject(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	rejected := 0
	h := rl.Middleware(func(*http.Request) string { return "k" }, func(w http.ResponseWriter, r *http.Request) {
		rejected++
		w.WriteHeader(http.StatusServiceUnavailable)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if rejected != 1 {
		t.Errorf("reject called %d times, want 1", rejected)
	}
}
