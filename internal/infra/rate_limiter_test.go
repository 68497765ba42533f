package infra

import (
	"context"
	"testing"
	"time"
)

// expired returns a context that is already done, so Wait reports whether a
// token is available right now.
func expired() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(2, 10)
	ctx := context.Background()

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if err := rl.Wait(expired()); err == nil {
		t.Error("burst of 2 should be exhausted")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := NewRateLimiter(1, 10)
	_ = rl.Wait(context.Background())

	// 100ms = 1 token at 10/s
	time.Sleep(120 * time.Millisecond)

	if err := rl.Wait(expired()); err != nil {
		t.Errorf("expected a token after refill, got %v", err)
	}
}

func TestRateLimiter_Wait(t *testing.T) {
	rl := NewIntervalLimiter(10 * time.Millisecond)
	ctx := context.Background()

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("expected Wait to block, but elapsed=%v", elapsed)
	}
}

func TestRateLimiter_WaitCancelled(t *testing.T) {
	rl := NewIntervalLimiter(time.Hour)
	_ = rl.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err == nil {
		t.Error("expected Wait to return the context error")
	}
}
