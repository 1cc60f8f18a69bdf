package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface. Every gateway process shares
// the same backing store; no process-local copy of session or limiter state
// is ever authoritative.
type Store interface {
	Close() error
	Ping(ctx context.Context) error
	Sessions() SessionStore
	RateLimits() RateLimitStore
	Broadcasts() BroadcastBus
}

// SessionStore manages the replicated session registry, keyed by the
// 6-character session code.
type SessionStore interface {
	// Join adds a member to the session, creating the session record if
	// absent. Returns whether the session was created and the member count
	// after the join.
	Join(ctx context.Context, code string, member Member) (created bool, count int, err error)

	Get(ctx context.Context, code string) (*Session, error)

	// RemoveMember detaches a member and returns the remaining count.
	// Removing an unknown member is a no-op.
	RemoveMember(ctx context.Context, code, memberID string) (remaining int, err error)

	// Delete removes the session record and its members. Idempotent.
	Delete(ctx context.Context, code string) error

	// TouchActivity resets the session's idle clock and re-arms the
	// one-time inactivity warning. Must be called on every inbound
	// message, heartbeat and preference update.
	TouchActivity(ctx context.Context, code string) error

	// MarkWarned records that the session received its inactivity
	// warning. Atomic across processes: exactly one caller per idle
	// crossing observes true. False for a missing session.
	MarkWarned(ctx context.Context, code string) (bool, error)

	// IdleDuration is now minus the session's last-activity timestamp.
	IdleDuration(ctx context.Context, code string) (time.Duration, error)

	// TouchMember refreshes a single member's own activity timestamp.
	TouchMember(ctx context.Context, code, memberID string) error

	Members(ctx context.Context, code string) ([]Member, error)
	MemberCount(ctx context.Context, code string) (int, error)
	ListActiveCodes(ctx context.Context) ([]string, error)

	// SetGrid records the display's grid configuration on the session.
	SetGrid(ctx context.Context, code string, rows, cols int) error
}

// RateLimitStore implements the atomic sliding-window admission check.
// The purge-count-insert sequence runs atomically per key so that
// concurrent gateway processes never under-count.
type RateLimitStore interface {
	Admit(ctx context.Context, key string, max int, window time.Duration) (Admission, error)
}

// BroadcastBus fans channel payloads out to every gateway process so that
// members of one session connected to different processes all receive
// broadcasts. Ordering across processes is not guaranteed.
type BroadcastBus interface {
	Publish(ctx context.Context, msg ChannelMessage) error
	Subscribe(ctx context.Context) (<-chan ChannelMessage, error)
}
