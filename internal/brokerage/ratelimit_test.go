package brokerage

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketStartsFull(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1)
	if tb.avail != 10 {
		t.Errorf("avail = %v, want 10", tb.avail)
	}
}

func TestTokenBucketBurstIsImmediate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error on token %d: %v", i, err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("token %d took %v, want immediate", i, elapsed)
		}
	}
}

func TestTokenBucketBlocksUntilRefill(t *testing.T) {
	t.Parallel()
	// One-token bucket refilling at 10/s: the second Wait sleeps ~100ms.
	tb := NewTokenBucket(1, 10)
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond {
		t.Errorf("Wait() returned after %v, want ~100ms of blocking", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("Wait() blocked %v, too long", elapsed)
	}
}

func TestTokenBucketHonorsContext(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1) // refill far slower than the test deadline
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err == nil {
		t.Error("Wait() = nil, want context error")
	}
}

func TestNewRateLimiterCategories(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()
	if rl.Order.burst != 30 || rl.Order.perSec != 3 {
		t.Errorf("order bucket = %v/%v, want 30/3", rl.Order.burst, rl.Order.perSec)
	}
	if rl.Market.burst != 100 || rl.Market.perSec != 10 {
		t.Errorf("market bucket = %v/%v, want 100/10", rl.Market.burst, rl.Market.perSec)
	}
}
