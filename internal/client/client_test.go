package client

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// fakeClock lets tests move lifecycle time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLifecycle(cfg LifecycleConfig) (*Lifecycle, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLifecycle(cfg)
	l.now = clock.now
	return l, clock
}

func TestLifecycle_PairingTransitions(t *testing.T) {
	l, _ := newTestLifecycle(LifecycleConfig{})

	if l.State() != StateColdStart {
		t.Fatalf("initial state = %v", l.State())
	}

	l.OfferQuickReconnect()
	if l.State() != StateQuickReconnectOffered {
		t.Fatalf("after offer: %v", l.State())
	}

	l.EnterCode()
	if l.State() != StateEnteringCode {
		t.Fatalf("after declining offer: %v", l.State())
	}

	l.Connected()
	if l.State() != StateConnected {
		t.Fatalf("after connect: %v", l.State())
	}
}

func TestLifecycle_InactivityExpiry(t *testing.T) {
	l, clock := newTestLifecycle(LifecycleConfig{})
	l.Connected()

	// Idle time alone never shows the warning; that state is reserved
	// for the hard cap.
	clock.advance(4 * time.Minute)
	if l.State() != StateConnected {
		t.Errorf("at 4m idle: %v, want connected", l.State())
	}

	l.Activity()
	if l.State() != StateConnected {
		t.Errorf("after activity: %v, want connected", l.State())
	}

	clock.advance(5*time.Minute + time.Second)
	if l.State() != StateExpired {
		t.Errorf("past the inactivity cap: %v, want expired", l.State())
	}
	if l.Reason() != ReasonInactivity {
		t.Errorf("reason = %q, want %q", l.Reason(), ReasonInactivity)
	}
}

func TestLifecycle_HardCapIsAbsolute(t *testing.T) {
	l, clock := newTestLifecycle(LifecycleConfig{})
	l.Connected()

	// Stay busy the whole time; activity must not extend the hard cap.
	for i := 0; i < 14; i++ {
		clock.advance(time.Minute)
		l.Activity()
	}
	if l.State() != StateWarning {
		t.Errorf("at 14m with constant activity: %v, want warning", l.State())
	}
	if got := l.Remaining(); got > DefaultWarningWindow {
		t.Errorf("remaining = %v, want <= %v", got, DefaultWarningWindow)
	}

	clock.advance(time.Minute + time.Second)
	l.Activity()
	if l.State() != StateExpired {
		t.Errorf("past the hard cap despite activity: %v, want expired", l.State())
	}
	if l.Reason() != ReasonTimeout {
		t.Errorf("reason = %q, want %q", l.Reason(), ReasonTimeout)
	}
}

func TestLifecycle_RemoteExpire(t *testing.T) {
	l, _ := newTestLifecycle(LifecycleConfig{})
	l.Connected()

	l.Expire()
	if l.State() != StateExpired {
		t.Fatalf("after remote termination: %v", l.State())
	}
	if l.Reason() != ReasonManual {
		t.Errorf("reason = %q, want %q", l.Reason(), ReasonManual)
	}
	if l.Remaining() != 0 {
		t.Errorf("remaining after expiry = %v, want 0", l.Remaining())
	}
}

func newTestQuota(t *testing.T) (*Quota, *fakeClock) {
	t.Helper()

	q, err := OpenQuota(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open quota: %v", err)
	}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.now = clock.now
	return q, clock
}

func TestQuota_NewSessionsDrawDown(t *testing.T) {
	q, _ := newTestQuota(t)

	codes := []string{"AAA111", "BBB222", "CCC333"}
	for _, code := range codes {
		if err := q.Consume(code); err != nil {
			t.Fatalf("consume %s: %v", code, err)
		}
	}
	if q.Remaining() != 0 {
		t.Errorf("remaining = %d, want 0", q.Remaining())
	}

	if err := q.Consume("DDD444"); !errors.Is(err, ErrQuotaExhausted) {
		t.Errorf("expected ErrQuotaExhausted, got %v", err)
	}
}

func TestQuota_ReconnectIsFree(t *testing.T) {
	q, clock := newTestQuota(t)

	if err := q.Consume("AAA111"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	remaining := q.Remaining()

	clock.advance(23 * time.Hour)
	if err := q.Consume("AAA111"); err != nil {
		t.Fatalf("reconnect within the grace window should be free: %v", err)
	}
	if q.Remaining() != remaining {
		t.Errorf("reconnect consumed quota: %d -> %d", remaining, q.Remaining())
	}

	// Past the grace window the same code is a new session again.
	clock.advance(25 * time.Hour)
	if err := q.Consume("AAA111"); err != nil {
		t.Fatalf("consume after grace: %v", err)
	}
	if q.Remaining() != remaining-1 {
		t.Errorf("remaining = %d, want %d", q.Remaining(), remaining-1)
	}
}

func TestQuota_QuickReconnectOffer(t *testing.T) {
	q, clock := newTestQuota(t)

	if _, ok := q.QuickReconnect(); ok {
		t.Fatal("no offer expected before any session")
	}

	if err := q.Consume("AAA111"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	code, ok := q.QuickReconnect()
	if !ok || code != "AAA111" {
		t.Fatalf("offer = %q/%v, want AAA111/true", code, ok)
	}

	clock.advance(ReconnectGrace + time.Minute)
	if _, ok := q.QuickReconnect(); ok {
		t.Error("offer should lapse after the grace window")
	}
}

func TestQuota_RejectsPlaceholderCode(t *testing.T) {
	q, _ := newTestQuota(t)

	if err := q.Consume(PlaceholderCode); !errors.Is(err, ErrPlaceholderCode) {
		t.Errorf("expected ErrPlaceholderCode, got %v", err)
	}
	if q.Remaining() != DefaultFreeQuota {
		t.Errorf("placeholder must not draw quota: remaining = %d", q.Remaining())
	}
}

func TestQuota_RejectsMalformedCode(t *testing.T) {
	q, _ := newTestQuota(t)

	for _, code := range []string{"AB", "abc123", "AAA1111", "AA-111", ""} {
		if err := q.Consume(code); !errors.Is(err, ErrMalformedCode) {
			t.Errorf("Consume(%q): expected ErrMalformedCode, got %v", code, err)
		}
	}
	if q.Remaining() != DefaultFreeQuota {
		t.Errorf("malformed codes must not draw quota: remaining = %d", q.Remaining())
	}
}

func TestQuota_PersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	q1, err := OpenQuota(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := q1.Consume("AAA111"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	q2, err := OpenQuota(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if q2.Remaining() != DefaultFreeQuota-1 {
		t.Errorf("remaining after reopen = %d, want %d", q2.Remaining(), DefaultFreeQuota-1)
	}
	if code, ok := q2.QuickReconnect(); !ok || code != "AAA111" {
		t.Errorf("last session not persisted: %q/%v", code, ok)
	}
}
