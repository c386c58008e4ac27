package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestLimiter creates a Limiter connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestLimiter(t *testing.T) (*Limiter, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewLimiter(rdb), ctx
}

func TestAllow_UnderLimit(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "conn-1", rule)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "test:", Limit: 2, Window: time.Minute}

	l.Allow(ctx, "conn-1", rule)
	l.Allow(ctx, "conn-1", rule)

	ok, err := l.Allow(ctx, "conn-1", rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("third request should be rate limited")
	}
}

func TestAllow_SeparateIdentifiers(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "test:", Limit: 1, Window: time.Minute}

	l.Allow(ctx, "conn-1", rule)

	ok, err := l.Allow(ctx, "conn-2", rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("identifiers must be limited independently")
	}
}

func TestAllow_WindowExpires(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "test:", Limit: 1, Window: 100 * time.Millisecond}

	l.Allow(ctx, "conn-1", rule)
	if ok, _ := l.Allow(ctx, "conn-1", rule); ok {
		t.Fatal("second request inside the window should be limited")
	}

	time.Sleep(150 * time.Millisecond)

	if ok, _ := l.Allow(ctx, "conn-1", rule); !ok {
		t.Error("request after window expiry should be allowed")
	}
}

func TestRemaining(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "test:", Limit: 5, Window: time.Minute}

	n, err := l.Remaining(ctx, "conn-1", rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected full limit before any request, got %d", n)
	}

	l.Allow(ctx, "conn-1", rule)
	l.Allow(ctx, "conn-1", rule)

	n, err = l.Remaining(ctx, "conn-1", rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 remaining, got %d", n)
	}
}
