package billing

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/billing/auditlog"
)

func TestRateLimiterAllow_WithinLimitThenRejects(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	ip := "203.0.113.10"

	if !rl.Allow(ip) {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow(ip) {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow(ip) {
		t.Fatal("expected third request to be rejected")
	}
	if !rl.Allow("203.0.113.11") {
		t.Fatal("expected a different client to be allowed")
	}
}

func TestRateLimiterAllow_PrunesExpiredAttempts(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	ip := "203.0.113.20"
	rl.attempts[ip] = []time.Time{time.Now().Add(-2 * time.Minute)}

	if !rl.Allow(ip) {
		t.Fatal("expected request to be allowed after expired attempt is pruned")
	}
	if got := len(rl.attempts[ip]); got != 1 {
		t.Fatalf("expected one retained attempt, got %d", got)
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	rl.attempts["stale"] = []time.Time{time.Now().Add(-5 * time.Minute)}
	rl.Allow("fresh")

	if removed := rl.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d keys, want 1", removed)
	}
	if _, ok := rl.attempts["fresh"]; !ok {
		t.Fatal("fresh key was swept")
	}
}

func TestRateLimiterMiddleware_TooManyRequests(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	calls := 0
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	for i, want := range []int{http.StatusNoContent, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil)
		req.RemoteAddr = "198.51.100.5:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d status = %d, want %d", i+1, rec.Code, want)
		}
	}
	if calls != 1 {
		t.Fatalf("next handler calls = %d, want 1", calls)
	}
}

func TestRateLimiterMiddleware_IgnoresSpoofedForwardedFor(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	// Without trusted proxies the limiter keys on the peer, so rotating the
	// header does not earn fresh quota.
	h = (*auditlog.TrustedProxies)(nil).Middleware(h)

	for i, want := range []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil)
		req.RemoteAddr = "198.51.100.5:1234"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d status = %d, want %d", i+1, rec.Code, want)
		}
	}
}

func TestRateLimiterMiddleware_KeysOnClientBehindTrustedProxy(t *testing.T) {
	proxies, err := auditlog.ParseTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	rl := NewRateLimiter(1, time.Minute)
	h := proxies.Middleware(rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	for i, client := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil)
		req.RemoteAddr = "10.0.0.7:443"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d from %s status = %d, want 204", i+1, client, rec.Code)
		}
	}
	if rl.Allow("203.0.113.1") {
		t.Fatal("first client should have exhausted its quota")
	}
}
