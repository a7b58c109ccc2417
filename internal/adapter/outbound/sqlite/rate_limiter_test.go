package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aimguard/gateway/internal/domain/ratelimit"
)

func testLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	r, err := NewRateLimiter(filepath.Join(t.TempDir(), "rl.db"))
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestAllowAndDeny(t *testing.T) {
	r := testLimiter(t)
	ctx := context.Background()
	cfg := ratelimit.RateLimitConfig{Rate: 2, Burst: 2, Period: time.Minute}

	for i := 0; i < 2; i++ {
		result, err := r.Allow(ctx, "k", cfg)
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}

	result, err := r.Allow(ctx, "k", cfg)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if result.Allowed {
		t.Fatal("3rd request should be denied")
	}
	if result.RetryAfter <= 0 || result.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want (0, 1m]", result.RetryAfter)
	}
}

func TestShortWindowAgesOut(t *testing.T) {
	r := testLimiter(t)
	ctx := context.Background()
	cfg := ratelimit.RateLimitConfig{Rate: 1, Burst: 1, Period: 50 * time.Millisecond}

	if result, _ := r.Allow(ctx, "k", cfg); !result.Allowed {
		t.Fatal("first request denied")
	}
	if result, _ := r.Allow(ctx, "k", cfg); result.Allowed {
		t.Fatal("second request within window should be denied")
	}

	time.Sleep(60 * time.Millisecond)

	result, err := r.Allow(ctx, "k", cfg)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !result.Allowed {
		t.Fatal("request after window expiry should be allowed")
	}
}

func TestInspect(t *testing.T) {
	r := testLimiter(t)
	ctx := context.Background()
	cfg := ratelimit.RateLimitConfig{Rate: 10, Burst: 10, Period: time.Minute}

	count, _, err := r.Inspect(ctx, "missing", cfg)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if count != 0 {
		t.Errorf("missing key count = %d, want 0", count)
	}

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
}

func TestCountersSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rl.db")
	ctx := context.Background()
	cfg := ratelimit.RateLimitConfig{Rate: 2, Burst: 2, Period: time.Hour}

	r, err := NewRateLimiter(path)
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := r.Allow(ctx, "k", cfg); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := NewRateLimiter(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()

	result, err := r2.Allow(ctx, "k", cfg)
	if err != nil {
		t.Fatalf("Allow after reopen: %v", err)
	}
	if result.Allowed {
		t.Fatal("counters should survive a reopen")
	}
}
