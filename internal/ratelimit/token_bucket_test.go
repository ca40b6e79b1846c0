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

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	return NewTokenBucket(client, "rl:scan:", capacity, refill, time.Minute).WithClock(clock.Now), clock, mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _, mr := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "u-packing")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "u-packing")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "u-packing")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	allowed, _, _ = bucket.Allow(ctx, "u-dispatch")
	if !allowed {
		t.Fatalf("buckets must be per key")
	}
	if !mr.Exists("rl:scan:u-packing") {
		t.Fatalf("expected prefixed key in redis")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clock, _ := newBucket(t, 1, 0.5)

	if ok, _, _ := bucket.Allow(ctx, "u"); !ok {
		t.Fatal("expected first scan allowed")
	}
	clock.t = clock.t.Add(time.Second)
	if ok, _, _ := bucket.Allow(ctx, "u"); ok {
		t.Fatal("half a token is not enough")
	}
	clock.t = clock.t.Add(2 * time.Second)
	if ok, _, _ := bucket.Allow(ctx, "u"); !ok {
		t.Fatal("expected refill after two seconds")
	}
}

func TestMiddleware(t *testing.T) {
	bucket, _, mr := newBucket(t, 1, 0)
	var hits int
	h := Middleware(bucket, func(r *http.Request) string { return r.Header.Get("X-User-ID") })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits++
			w.WriteHeader(http.StatusOK)
		}))

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/jobs/DJ-2026-000001/transitions", nil)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("u-1"); rec.Code != http.StatusOK || rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("expected first scan through, got %d %v", rec.Code, rec.Header())
	}
	if rec := do("u-1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := do(""); rec.Code != http.StatusOK {
		t.Fatalf("anonymous requests are not limited here, got %d", rec.Code)
	}

	mr.Close()
	if rec := do("u-1"); rec.Code != http.StatusOK {
		t.Fatalf("expected fail-open when redis is down, got %d", rec.Code)
	}
	if hits != 3 {
		t.Fatalf("expected 3 handler hits, got %d", hits)
	}
}
