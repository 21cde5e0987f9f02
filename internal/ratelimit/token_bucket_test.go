package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "cluster-queries")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "cluster-queries")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "cluster-queries")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
	// The capacity limit test above is sufficient to validate rate limiting behavior.
}

func TestTokenBucketWait(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 100, time.Minute)

	if err := bucket.Wait(ctx, "cluster-queries"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	// Bucket is empty; at 100 tokens/s the next Wait refills within one poll.
	start := time.Now()
	if err := bucket.Wait(ctx, "cluster-queries"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("wait took too long")
	}

	drained, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	slow := NewTokenBucket(client, 1, 0.001, time.Minute)
	_ = slow.Wait(drained, "slow-queries") // consumes the single token
	if err := slow.Wait(drained, "slow-queries"); err == nil {
		t.Fatalf("expected context deadline on drained bucket")
	}
}
