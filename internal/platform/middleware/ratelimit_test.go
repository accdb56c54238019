package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func serveLimited(store *limiterStore, ip string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	h := rateLimit(store)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_AllowsBurst(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec, err := serveLimited(store, "10.0.0.1")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "10" {
			t.Errorf("request %d: expected limit header 10, got %q", i+1, rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_RejectsWithRetryAfter(t *testing.T) {
	now := time.Date(2025, 4, 4, 10, 0, 0, 0, time.UTC)
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 1})
	store.now = func() time.Time { return now }

	if _, err := serveLimited(store, "10.0.0.1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	rec, err := serveLimited(store, "10.0.0.1")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if got, _ := strconv.Atoi(rec.Header().Get("Retry-After")); got != 2 {
		t.Errorf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}

	now = now.Add(2 * time.Second)
	if _, err := serveLimited(store, "10.0.0.1"); err != nil {
		t.Errorf("expected request after refill to pass, got %v", err)
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := serveLimited(store, "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := serveLimited(store, "10.0.0.2"); err != nil {
		t.Errorf("expected a different client to have its own bucket, got %v", err)
	}
}

func TestRateLimit_EvictsIdleClients(t *testing.T) {
	now := time.Date(2025, 4, 4, 10, 0, 0, 0, time.UTC)
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	store.now = func() time.Time { return now }

	store.get("a")
	store.get("b")
	now = now.Add(2 * time.Minute)
	store.get("c")

	if store.size() != 1 {
		t.Errorf("expected idle clients evicted, %d left", store.size())
	}
}
