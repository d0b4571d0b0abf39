package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterBlocksAfterMax(t *testing.T) {
	limiter := NewMemory(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "10.0.0.1") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if limiter.Allow(ctx, "10.0.0.1") {
		t.Fatalf("attempt 4 should be blocked")
	}
	if !limiter.Allow(ctx, "10.0.0.2") {
		t.Fatalf("other keys share nothing with the exhausted one")
	}
}

func TestMemoryLimiterWindowSlides(t *testing.T) {
	limiter := NewMemory(2, 30*time.Millisecond)
	ctx := context.Background()

	limiter.Allow(ctx, "till-1")
	limiter.Allow(ctx, "till-1")
	if limiter.Allow(ctx, "till-1") {
		t.Fatalf("third attempt inside the window should be blocked")
	}

	time.Sleep(40 * time.Millisecond)
	if !limiter.Allow(ctx, "till-1") {
		t.Fatalf("attempt after the window expired should be allowed")
	}
}

func TestMemoryLimiterSanitizesBadArguments(t *testing.T) {
	limiter := NewMemory(0, -time.Second)
	if !limiter.Allow(context.Background(), "k") {
		t.Fatalf("first attempt should always pass")
	}
	if limiter.Allow(context.Background(), "k") {
		t.Fatalf("max clamps to 1, second attempt should be blocked")
	}
}
