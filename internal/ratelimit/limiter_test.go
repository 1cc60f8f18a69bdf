package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/flipwire/flipwire/internal/storage"
	flipredis "github.com/flipwire/flipwire/internal/storage/redis"
)

func newTestLimiterStore(t *testing.T) storage.RateLimitStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return flipredis.NewStore(client, "test-server").RateLimits()
}

func TestMessageLimiter_EnforcesWindowBudget(t *testing.T) {
	store := newTestLimiterStore(t)
	limiter := NewMessageLimiter(store, Config{MessagesPerWindow: 10, Window: 60 * time.Second}, zerolog.Nop())
	ctx := context.Background()

	// 10 messages inside the window are admitted.
	for i := 0; i < 10; i++ {
		decision := limiter.Admit(ctx, "user-1")
		if !decision.Allowed {
			t.Fatalf("Request %d: expected admission, got rejection", i)
		}
		if want := 10 - i - 1; decision.Remaining != want {
			t.Errorf("Request %d: expected remaining=%d, got %d", i, want, decision.Remaining)
		}
	}

	// The 11th is rejected with a positive retry-after.
	decision := limiter.Admit(ctx, "user-1")
	if decision.Allowed {
		t.Fatal("Expected 11th request to be rejected")
	}
	if decision.RetryAfter <= 0 {
		t.Errorf("Expected positive retry-after, got %v", decision.RetryAfter)
	}
	if decision.RetryAfter > 61*time.Second {
		t.Errorf("Retry-after exceeds window: %v", decision.RetryAfter)
	}
}

func TestMessageLimiter_WindowSlides(t *testing.T) {
	store := newTestLimiterStore(t)
	limiter := NewMessageLimiter(store, Config{MessagesPerWindow: 2, Window: 100 * time.Millisecond}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d := limiter.Admit(ctx, "user-2"); !d.Allowed {
			t.Fatalf("Request %d: expected admission", i)
		}
	}
	if d := limiter.Admit(ctx, "user-2"); d.Allowed {
		t.Fatal("Expected rejection at window capacity")
	}

	// After the window slides past the earlier entries, admission resumes.
	time.Sleep(120 * time.Millisecond)
	if d := limiter.Admit(ctx, "user-2"); !d.Allowed {
		t.Fatal("Expected admission after window slid")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	store := newTestLimiterStore(t)
	limiter := NewMessageLimiter(store, Config{MessagesPerWindow: 1, Window: time.Minute}, zerolog.Nop())
	ctx := context.Background()

	if d := limiter.Admit(ctx, "user-a"); !d.Allowed {
		t.Fatal("Expected first request for user-a to be admitted")
	}
	if d := limiter.Admit(ctx, "user-a"); d.Allowed {
		t.Fatal("Expected second request for user-a to be rejected")
	}
	if d := limiter.Admit(ctx, "user-b"); !d.Allowed {
		t.Fatal("Expected user-b to be unaffected by user-a's window")
	}
}

func TestVariants_DoNotShareWindows(t *testing.T) {
	store := newTestLimiterStore(t)
	cfg := Config{MessagesPerWindow: 1, Window: time.Minute, AddressMultiplier: 5, ConnectsPerWindow: 1}

	messages := NewMessageLimiter(store, cfg, zerolog.Nop())
	connects := NewConnectLimiter(store, cfg, zerolog.Nop())
	ctx := context.Background()

	if d := messages.Admit(ctx, "10.0.0.1"); !d.Allowed {
		t.Fatal("Expected message admission")
	}
	// Same key, different variant: separate window.
	if d := connects.Admit(ctx, "10.0.0.1"); !d.Allowed {
		t.Fatal("Expected connect admission despite exhausted message window")
	}
}

func TestAddressLimiter_AppliesMultiplier(t *testing.T) {
	store := newTestLimiterStore(t)
	limiter := NewAddressLimiter(store, Config{MessagesPerWindow: 2, Window: time.Minute, AddressMultiplier: 3}, zerolog.Nop())

	if limiter.Max() != 6 {
		t.Errorf("Expected address budget 6, got %d", limiter.Max())
	}
}

type failingStore struct{}

func (failingStore) Admit(ctx context.Context, key string, max int, window time.Duration) (storage.Admission, error) {
	return storage.Admission{}, errors.New("store unreachable")
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	limiter := NewMessageLimiter(failingStore{}, Config{}, zerolog.Nop())

	decision := limiter.Admit(context.Background(), "user-1")
	if !decision.Allowed {
		t.Fatal("Expected fail-open admission when the store is unreachable")
	}
}
