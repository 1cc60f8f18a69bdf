package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flipwire/flipwire/internal/gateway"
)

// DefaultFreeQuota is the number of distinct sessions an anonymous client
// may start before being asked to sign in.
const DefaultFreeQuota = 3

// ReconnectGrace is how long rejoining the last session stays free of
// quota.
const ReconnectGrace = 24 * time.Hour

// PlaceholderCode is the sample code shown in the code-entry hint. It is
// never a real session and is refused before any network round trip.
const PlaceholderCode = "ABC123"

// ErrQuotaExhausted is returned when a new session would exceed the free
// quota.
var ErrQuotaExhausted = errors.New("client: free session quota exhausted")

// ErrPlaceholderCode is returned when the user submits the sample code.
var ErrPlaceholderCode = errors.New("client: placeholder code is not a real session")

// ErrMalformedCode is returned when the code is not 6 uppercase
// alphanumeric characters. A typo never draws down the allowance.
var ErrMalformedCode = errors.New("client: session code must be 6 uppercase alphanumeric characters")

type quotaState struct {
	Remaining       int       `json:"remaining"`
	LastSessionCode string    `json:"lastSessionCode,omitempty"`
	LastUsedAt      time.Time `json:"lastUsedAt,omitempty"`
}

// Quota tracks the anonymous session allowance in a small JSON state file.
// Reconnecting to the most recent session within the grace window consumes
// nothing; only genuinely new sessions draw down the allowance.
type Quota struct {
	path  string
	state quotaState
	now   func() time.Time
}

// OpenQuota loads or initializes the quota file at path.
func OpenQuota(path string) (*Quota, error) {
	q := &Quota{
		path:  path,
		state: quotaState{Remaining: DefaultFreeQuota},
		now:   time.Now,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read quota state: %w", err)
	}
	if err := json.Unmarshal(data, &q.state); err != nil {
		// A corrupt state file resets to a fresh allowance rather than
		// locking the user out.
		q.state = quotaState{Remaining: DefaultFreeQuota}
	}
	return q, nil
}

// Remaining returns the unconsumed allowance.
func (q *Quota) Remaining() int {
	return q.state.Remaining
}

// QuickReconnect returns the code of the last session if rejoining it
// would be free right now.
func (q *Quota) QuickReconnect() (string, bool) {
	if q.state.LastSessionCode == "" {
		return "", false
	}
	if q.now().Sub(q.state.LastUsedAt) > ReconnectGrace {
		return "", false
	}
	return q.state.LastSessionCode, true
}

// Consume records pairing with code. Rejoining the last session within the
// grace window is free; a new session decrements the allowance or fails
// with ErrQuotaExhausted.
func (q *Quota) Consume(code string) error {
	if !gateway.ValidCode(code) {
		return ErrMalformedCode
	}
	if code == PlaceholderCode {
		return ErrPlaceholderCode
	}

	if last, ok := q.QuickReconnect(); ok && last == code {
		q.state.LastUsedAt = q.now()
		return q.save()
	}

	if q.state.Remaining <= 0 {
		return ErrQuotaExhausted
	}

	q.state.Remaining--
	q.state.LastSessionCode = code
	q.state.LastUsedAt = q.now()
	return q.save()
}

func (q *Quota) save() error {
	data, err := json.MarshalIndent(q.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}

	// Write-then-rename keeps the state file whole across crashes.
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
