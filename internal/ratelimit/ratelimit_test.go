package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNotificationLimiter(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewNotificationLimiter(client, 2, 1, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "a@example.com")
	if err != nil || !allowed {
		t.Fatalf("expected first notification allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.Allow(ctx, "a@example.com")
	if !allowed {
		t.Fatalf("expected second notification allowed")
	}
	allowed, _, _ = limiter.Allow(ctx, "a@example.com")
	if allowed {
		t.Fatalf("expected third notification rejected")
	}

	// Buckets are per account: a different mailbox starts full.
	allowed, _, _ = limiter.Allow(ctx, "b@example.com")
	if !allowed {
		t.Fatalf("expected other account unaffected")
	}

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// Lua script receives time from Go's time.Now(), not Redis's clock.
}
