package memory

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/aimguard/gateway/internal/domain/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func minuteConfig(rate int) ratelimit.RateLimitConfig {
	return ratelimit.RateLimitConfig{Rate: rate, Burst: rate, Period: time.Minute}
}

func TestAllowUnderLimit(t *testing.T) {
	r := NewRateLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := r.Allow(ctx, "k", minuteConfig(10))
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d unexpectedly denied", i)
		}
	}
}

func TestDenyOverLimitWithRetryAfter(t *testing.T) {
	r := NewRateLimiter()
	ctx := context.Background()
	cfg := minuteConfig(3)

	for i := 0; i < 3; i++ {
		if result, err := r.Allow(ctx, "k", cfg); err != nil || !result.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, result.Allowed, err)
		}
	}

	result, err := r.Allow(ctx, "k", cfg)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if result.Allowed {
		t.Fatal("4th request should be denied")
	}
	if result.RetryAfter <= 0 || result.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want (0, 1m]", result.RetryAfter)
	}
}

func TestWindowSlidesHitsAgeOut(t *testing.T) {
	r := NewRateLimiter()
	now := time.Unix(1_700_000_000, 0)
	r.clock = func() time.Time { return now }
	ctx := context.Background()
	cfg := minuteConfig(2)

	for i := 0; i < 2; i++ {
		if result, _ := r.Allow(ctx, "k", cfg); !result.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	if result, _ := r.Allow(ctx, "k", cfg); result.Allowed {
		t.Fatal("3rd request within window should be denied")
	}

	// Advance past the window: the old hits age out.
	now = now.Add(61 * time.Second)
	result, err := r.Allow(ctx, "k", cfg)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !result.Allowed {
		t.Fatal("request after window expiry should be allowed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	r := NewRateLimiter()
	ctx := context.Background()
	cfg := minuteConfig(1)

	if result, _ := r.Allow(ctx, "a", cfg); !result.Allowed {
		t.Fatal("first key denied")
	}
	if result, _ := r.Allow(ctx, "b", cfg); !result.Allowed {
		t.Fatal("second key should have its own counter")
	}
	if result, _ := r.Allow(ctx, "a", cfg); result.Allowed {
		t.Fatal("first key should now be at its limit")
	}
}

func TestInspectDoesNotCount(t *testing.T) {
	r := NewRateLimiter()
	ctx := context.Background()
	cfg := minuteConfig(5)

	for i := 0; i < 3; i++ {
		if _, err := r.Allow(ctx, "k", cfg); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}

	count, resetAfter, err := r.Inspect(ctx, "k", cfg)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if resetAfter <= 0 {
		t.Errorf("resetAfter = %v, want > 0", resetAfter)
	}

	// Inspect again: occupancy unchanged.
	count, _, _ = r.Inspect(ctx, "k", cfg)
	if count != 3 {
		t.Errorf("count after second inspect = %d, want 3", count)
	}
}

func TestInspectUnknownKey(t *testing.T) {
	r := NewRateLimiter()
	count, resetAfter, err := r.Inspect(context.Background(), "missing", minuteConfig(5))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if count != 0 || resetAfter != 0 {
		t.Errorf("unknown key: count=%d reset=%v, want zeros", count, resetAfter)
	}
}

func TestCleanupEvictsIdleBuckets(t *testing.T) {
	r := NewRateLimiterWithConfig(time.Millisecond, 10*time.Millisecond)
	now := time.Unix(1_700_000_000, 0)
	r.clock = func() time.Time { return now }
	ctx := context.Background()

	if _, err := r.Allow(ctx, "idle", minuteConfig(5)); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	now = now.Add(time.Hour)
	r.cleanup()
	if r.Len() != 0 {
		t.Errorf("Len after cleanup = %d, want 0", r.Len())
	}
}

func TestStartCleanupStopsCleanly(t *testing.T) {
	r := NewRateLimiterWithConfig(time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	r.StartCleanup(ctx)
	time.Sleep(5 * time.Millisecond)
	cancel()
	r.Stop()
}

func TestAllowCancelledContext(t *testing.T) {
	r := NewRateLimiter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Allow(ctx, "k", minuteConfig(5)); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
