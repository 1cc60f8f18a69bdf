package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/flipwire/flipwire/internal/storage"
	flipredis "github.com/flipwire/flipwire/internal/storage/redis"
)

type fakeTerminator struct {
	mu          sync.Mutex
	terminated  map[string]string // code -> reason
	warnings    map[string]int    // code -> warning count
	lastMinutes int
}

func newFakeTerminator() *fakeTerminator {
	return &fakeTerminator{
		terminated: make(map[string]string),
		warnings:   make(map[string]int),
	}
}

func (f *fakeTerminator) Terminate(ctx context.Context, code, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated[code] = reason
	return nil
}

func (f *fakeTerminator) Warn(ctx context.Context, code string, minutesRemaining int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings[code]++
	f.lastMinutes = minutesRemaining
	return nil
}

func (f *fakeTerminator) ReclaimStale(ctx context.Context, bound time.Duration) int {
	return 0
}

type fixture struct {
	store      storage.Store
	client     *goredis.Client
	monitor    *Monitor
	terminator *fakeTerminator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := flipredis.NewStore(client, "test-server")
	terminator := newFakeTerminator()

	m, err := New(store.Sessions(), terminator, Config{
		WarningThreshold: 10 * time.Minute,
		HardTimeout:      15 * time.Minute,
		MaxLifetime:      24 * time.Hour,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	return &fixture{store: store, client: client, monitor: m, terminator: terminator}
}

func (f *fixture) join(t *testing.T, code string) {
	t.Helper()
	_, _, err := f.store.Sessions().Join(context.Background(), code, storage.Member{
		ID:   "member-1",
		Code: code,
		Role: storage.RoleDisplay,
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
}

// backdate rewrites the session's timestamps directly in the store.
func (f *fixture) backdate(t *testing.T, code string, idle, age time.Duration) {
	t.Helper()
	now := time.Now()
	err := f.client.HSet(context.Background(), "flipwire:session:"+code,
		"last_activity", now.Add(-idle).Format(time.RFC3339Nano),
		"created_at", now.Add(-age).Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestSweep_WarnsOnceAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "AAA111")
	f.backdate(t, "AAA111", 11*time.Minute, 11*time.Minute)

	if err := f.monitor.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := f.monitor.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	if got := f.terminator.warnings["AAA111"]; got != 1 {
		t.Errorf("warnings = %d, want exactly 1", got)
	}
	if len(f.terminator.terminated) != 0 {
		t.Errorf("nothing should be terminated yet: %v", f.terminator.terminated)
	}
	if f.terminator.lastMinutes != 4 {
		t.Errorf("minutes remaining = %d, want 4", f.terminator.lastMinutes)
	}
}

func TestSweep_TerminatesAtHardTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "BBB222")
	f.backdate(t, "BBB222", 16*time.Minute, 16*time.Minute)

	if err := f.monitor.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if reason := f.terminator.terminated["BBB222"]; !strings.HasPrefix(reason, "inactivity (") {
		t.Errorf("reason = %q, want an inactivity reason with minutes idle", reason)
	}
}

func TestSweep_TerminatesAtMaxLifetime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "CCC333")
	// Recently active but past the absolute age limit.
	f.backdate(t, "CCC333", time.Minute, 25*time.Hour)

	if err := f.monitor.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if reason := f.terminator.terminated["CCC333"]; reason != "session lifetime exceeded" {
		t.Errorf("reason = %q, want session lifetime exceeded", reason)
	}
}

func TestSweep_WarningRearmsAfterActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "DDD444")

	f.backdate(t, "DDD444", 11*time.Minute, 11*time.Minute)
	if err := f.monitor.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// Activity resumes, then the session goes idle again.
	if err := f.store.Sessions().TouchActivity(ctx, "DDD444"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := f.monitor.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	f.backdate(t, "DDD444", 11*time.Minute, 30*time.Minute)
	if err := f.monitor.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if got := f.terminator.warnings["DDD444"]; got != 2 {
		t.Errorf("warnings = %d, want 2 (re-armed after activity)", got)
	}
}

func TestSweep_WarnsOnceAcrossMonitors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "FFF666")
	f.backdate(t, "FFF666", 11*time.Minute, 11*time.Minute)

	// A second monitor sweeping the same store, as when several gateway
	// processes serve the fleet.
	other := newFakeTerminator()
	m2, err := New(f.store.Sessions(), other, Config{
		WarningThreshold: 10 * time.Minute,
		HardTimeout:      15 * time.Minute,
		MaxLifetime:      24 * time.Hour,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	if err := f.monitor.Sweep(ctx); err != nil {
		t.Fatalf("first monitor sweep: %v", err)
	}
	if err := m2.Sweep(ctx); err != nil {
		t.Fatalf("second monitor sweep: %v", err)
	}

	total := f.terminator.warnings["FFF666"] + other.warnings["FFF666"]
	if total != 1 {
		t.Errorf("warnings across monitors = %d, want exactly 1", total)
	}
}

func TestSweep_FreshSessionUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "EEE555")

	if err := f.monitor.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(f.terminator.warnings) != 0 || len(f.terminator.terminated) != 0 {
		t.Errorf("fresh session should be left alone: warn=%v term=%v",
			f.terminator.warnings, f.terminator.terminated)
	}
}
