package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(client, 2, 1, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "d1")
	if err != nil || !allowed {
		t.Fatalf("first token: allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.Allow(ctx, "d1")
	if !allowed {
		t.Fatalf("second token should be allowed")
	}
	allowed, wait, _ := limiter.Allow(ctx, "d1")
	if allowed {
		t.Fatalf("third token should be rejected")
	}
	if wait <= 0 {
		t.Fatalf("rejection should carry a retry-after hint, got %s", wait)
	}

	// A different dashboard has its own bucket.
	allowed, _, _ = limiter.Allow(ctx, "d2")
	if !allowed {
		t.Fatalf("buckets must be per dashboard")
	}
}
