// Package client implements the controller-side lifecycle: the pairing
// state machine, the dual session timers, the reconnect quota and the
// wire connection to a gateway.
package client

import (
	"time"
)

// State is the pairing lifecycle position.
type State int

const (
	// StateColdStart is the initial state before any pairing decision.
	StateColdStart State = iota

	// StateQuickReconnectOffered means a recent session exists and the
	// client is offering to rejoin it without entering a code.
	StateQuickReconnectOffered

	// StateEnteringCode means the user is typing a session code.
	StateEnteringCode

	// StateConnected means the session is live and inside both caps.
	StateConnected

	// StateWarning means the session is live but the hard cap is within
	// the warning window.
	StateWarning

	// StateExpired means a cap was exceeded; the session is over.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateColdStart:
		return "cold-start"
	case StateQuickReconnectOffered:
		return "quick-reconnect-offered"
	case StateEnteringCode:
		return "entering-code"
	case StateConnected:
		return "connected"
	case StateWarning:
		return "warning"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Timer caps. The hard cap is absolute from the moment of connection and
// is never extended by activity; only the inactivity cap resets.
const (
	DefaultHardCap       = 15 * time.Minute
	DefaultInactivityCap = 5 * time.Minute
	DefaultWarningWindow = 120 * time.Second
)

// DisconnectReason names which cap or action ended a session.
type DisconnectReason string

const (
	ReasonNone       DisconnectReason = ""
	ReasonInactivity DisconnectReason = "inactivity"
	ReasonTimeout    DisconnectReason = "timeout"
	ReasonManual     DisconnectReason = "manual"
)

// Lifecycle is the client-side session state machine. Not safe for
// concurrent use; callers serialize through their own event loop.
type Lifecycle struct {
	state         State
	connectedAt   time.Time
	lastActivity  time.Time
	reason        DisconnectReason
	hardCap       time.Duration
	inactivityCap time.Duration
	warningWindow time.Duration

	now func() time.Time
}

// LifecycleConfig overrides the default caps. Zero values keep defaults.
type LifecycleConfig struct {
	HardCap       time.Duration
	InactivityCap time.Duration
	WarningWindow time.Duration
}

// NewLifecycle creates a lifecycle in the cold-start state.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.HardCap == 0 {
		cfg.HardCap = DefaultHardCap
	}
	if cfg.InactivityCap == 0 {
		cfg.InactivityCap = DefaultInactivityCap
	}
	if cfg.WarningWindow == 0 {
		cfg.WarningWindow = DefaultWarningWindow
	}

	return &Lifecycle{
		state:         StateColdStart,
		hardCap:       cfg.HardCap,
		inactivityCap: cfg.InactivityCap,
		warningWindow: cfg.WarningWindow,
		now:           time.Now,
	}
}

// State returns the current lifecycle state, re-evaluating the timers when
// a session is live.
func (l *Lifecycle) State() State {
	l.evaluate()
	return l.state
}

// OfferQuickReconnect moves from cold start to the quick-reconnect offer.
func (l *Lifecycle) OfferQuickReconnect() {
	if l.state == StateColdStart {
		l.state = StateQuickReconnectOffered
	}
}

// EnterCode moves to manual code entry, from cold start or from a declined
// quick-reconnect offer.
func (l *Lifecycle) EnterCode() {
	if l.state == StateColdStart || l.state == StateQuickReconnectOffered {
		l.state = StateEnteringCode
	}
}

// Connected marks the session live and starts both timers. The hard cap
// deadline is fixed here and never moves again.
func (l *Lifecycle) Connected() {
	now := l.now()
	l.connectedAt = now
	l.lastActivity = now
	l.reason = ReasonNone
	l.state = StateConnected
}

// Activity resets the inactivity timer. It deliberately does not touch the
// hard cap deadline.
func (l *Lifecycle) Activity() {
	if l.state == StateConnected || l.state == StateWarning {
		l.lastActivity = l.now()
		l.evaluate()
	}
}

// Remaining returns the time until whichever cap expires first. Zero when
// no session is live.
func (l *Lifecycle) Remaining() time.Duration {
	if l.state != StateConnected && l.state != StateWarning {
		return 0
	}

	now := l.now()
	hardLeft := l.hardCap - now.Sub(l.connectedAt)
	idleLeft := l.inactivityCap - now.Sub(l.lastActivity)
	if hardLeft < idleLeft {
		return hardLeft
	}
	return idleLeft
}

// Expire forces the session into the expired state, used when the gateway
// terminates the session remotely.
func (l *Lifecycle) Expire() {
	if l.reason == ReasonNone {
		l.reason = ReasonManual
	}
	l.state = StateExpired
}

// Reason reports which cap or action ended the session.
func (l *Lifecycle) Reason() DisconnectReason {
	return l.reason
}

func (l *Lifecycle) evaluate() {
	if l.state != StateConnected && l.state != StateWarning {
		return
	}

	now := l.now()
	hardLeft := l.hardCap - now.Sub(l.connectedAt)
	idleLeft := l.inactivityCap - now.Sub(l.lastActivity)

	remaining := hardLeft
	if idleLeft < remaining {
		remaining = idleLeft
	}

	switch {
	case remaining <= 0:
		if hardLeft <= 0 {
			l.reason = ReasonTimeout
		} else {
			l.reason = ReasonInactivity
		}
		l.state = StateExpired
	// Only the fixed hard-cap deadline drives the warning state. The
	// inactivity timer resets on every keystroke, so surfacing it here
	// would flash a warning at anyone who pauses for a few minutes.
	case hardLeft <= l.warningWindow:
		l.state = StateWarning
	default:
		l.state = StateConnected
	}
}
