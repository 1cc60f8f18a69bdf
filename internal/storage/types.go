package storage

import (
	"time"
)

// Role identifies which side of a pairing a member is.
type Role string

const (
	RoleDisplay    Role = "display"
	RoleController Role = "controller"
)

// Session is the replicated registry record for one pairing code.
type Session struct {
	Code         string
	CreatedAt    time.Time
	LastActivity time.Time
	Rows         int
	Cols         int
}

// Member is a single transport connection belonging to a session.
type Member struct {
	ID            string
	Code          string
	Role          Role
	Identity      string // empty for anonymous members
	Authenticated bool
	JoinedAt      time.Time
	LastActivity  time.Time
	RemoteAddr    string
	ClientAgent   string
}

// Admission is the result of a sliding-window check.
type Admission struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// ChannelMessage is a broadcast payload crossing process boundaries.
// Origin carries the publishing server's instance ID so a process can skip
// payloads it already delivered locally.
type ChannelMessage struct {
	Code    string `json:"code"`
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}
