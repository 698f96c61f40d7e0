package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestLimiter(now *time.Time, exempt func(*http.Request) bool) *RateLimiter {
	rl := NewRateLimiter(1, 2, exempt, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"status":"error","code":"rate_limited"}`))
	})
	rl.now = func() time.Time { return *now }
	return rl
}

func doRequest(h http.Handler, method, target, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_Burst(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newTestLimiter(&now, nil).Middleware(okHandler())

	for i := range 2 {
		if rec := doRequest(h, "GET", "/api/whoami", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}

	rec := doRequest(h, "GET", "/api/whoami", "10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if !strings.Contains(rec.Body.String(), "rate_limited") {
		t.Errorf("body = %q", rec.Body.String())
	}

	// Other clients have their own bucket.
	if rec := doRequest(h, "GET", "/api/whoami", "10.0.0.2:5000"); rec.Code != http.StatusOK {
		t.Errorf("second client status = %d, want 200", rec.Code)
	}

	// Tokens refill at one per second.
	now = now.Add(time.Second)
	if rec := doRequest(h, "GET", "/api/whoami", "10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Errorf("after refill status = %d, want 200", rec.Code)
	}
}

func TestRateLimiter_Exempt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exempt := func(r *http.Request) bool { return r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, ".mkv") }
	rl := newTestLimiter(&now, exempt)
	h := rl.Middleware(okHandler())

	for i := range 10 {
		if rec := doRequest(h, "GET", "/archive/Anime/ep01.mkv", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("download %d: status = %d, want 200", i, rec.Code)
		}
	}
	// The regular bucket is untouched.
	if rec := doRequest(h, "GET", "/api/whoami", "10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Errorf("counted request after downloads: status = %d, want 200", rec.Code)
	}
}

func TestRateLimiter_ChargedExemptRequests(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exempt := func(r *http.Request) bool { return r.Method == http.MethodGet }
	h := newTestLimiter(&now, exempt).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") == "wrong" {
			Charge(r.Context())
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	guess := func() int {
		req := httptest.NewRequest("GET", "/archive/Anime/ep01.mkv", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		req.Header.Set("X-API-Key", "wrong")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	codes := map[int]int{}
	for range 10 {
		codes[guess()]++
	}
	if codes[http.StatusUnauthorized] != 2 || codes[http.StatusTooManyRequests] != 8 {
		t.Fatalf("codes = %v, want 2x401 then 429", codes)
	}

	// Penalties do not spill onto other clients or the regular bucket.
	if rec := doRequest(h, "GET", "/archive/Anime/ep01.mkv", "10.0.0.2:5000"); rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rec.Code)
	}

	now = now.Add(time.Second)
	if got := guess(); got != http.StatusUnauthorized {
		t.Errorf("after refill status = %d, want 401", got)
	}
}

func TestRateLimiter_InFlightExemptRequestsBounded(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exempt := func(r *http.Request) bool { return true }
	rl := newTestLimiter(&now, exempt)

	// Each request issues the next one while it is still in flight.
	codes := map[string]int{}
	var h http.Handler
	h = rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if next := map[string]string{"0": "1", "1": "2"}[r.Header.Get("X-Depth")]; next != "" {
			req := httptest.NewRequest("GET", "/archive/Anime/ep01.mkv", nil)
			req.RemoteAddr = "10.0.0.1:5000"
			req.Header.Set("X-Depth", next)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes[next] = rec.Code
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/archive/Anime/ep01.mkv", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	req.Header.Set("X-Depth", "0")
	h.ServeHTTP(httptest.NewRecorder(), req)

	// Burst is 2: the outer request and the first nested one fit.
	if codes["1"] != http.StatusOK || codes["2"] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want 1:200 2:429", codes)
	}
}

func TestChargeWithoutLimiter(t *testing.T) {
	t.Parallel()
	Charge(context.Background())
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newTestLimiter(&now, nil)
	h := rl.Middleware(okHandler())

	doRequest(h, "GET", "/health", "10.0.0.1:1")
	doRequest(h, "GET", "/health", "10.0.0.2:1")
	if rl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", rl.Len())
	}

	now = now.Add(idleClientTTL + time.Second)
	doRequest(h, "GET", "/health", "10.0.0.3:1")
	if rl.Len() != 1 {
		t.Errorf("Len() after sweep = %d, want 1", rl.Len())
	}
}

func TestRateLimiter_DefaultReject(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0, nil, nil)
	rec := doRequest(rl.Middleware(okHandler()), "GET", "/", "192.0.2.1:80")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestClientAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		remote string
		want   string
	}{
		{"10.0.0.1:5000", "10.0.0.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tt.remote
		if got := clientAddr(req); got != tt.want {
			t.Errorf("clientAddr(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
