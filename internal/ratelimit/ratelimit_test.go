package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, capacity int) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, capacity, 1, time.Minute)
}

func TestAllowExhaustsBucket(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, 2)

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "203.0.113.7")
		if err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, err := limiter.Allow(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("expected rejection once bucket is empty")
	}

	// Refill cannot be tested here: the script takes its clock from Go,
	// not from miniredis, so FastForward does not advance it.
}

func TestBucketsAreIndependentPerIP(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, 1)

	if allowed, _ := limiter.Allow(ctx, "203.0.113.7"); !allowed {
		t.Fatal("first client should be allowed")
	}
	if allowed, _ := limiter.Allow(ctx, "203.0.113.8"); !allowed {
		t.Fatal("second client has its own bucket")
	}
	if allowed, _ := limiter.Allow(ctx, "203.0.113.7"); allowed {
		t.Fatal("first client should now be limited")
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	limiter := newTestLimiter(t, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.RemoteAddr = "203.0.113.7:51234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.RemoteAddr = "10.0.0.1:80"
	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	if got := clientIP(req); got != "198.51.100.4" {
		t.Errorf("clientIP = %q", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := clientIP(req); got != "10.0.0.1" {
		t.Errorf("clientIP = %q", got)
	}
}
