package gateway

import (
	"encoding/json"
)

// Wire event names. Events flow over a persistent websocket, namespaced by
// the session code acting as the broadcast channel.
const (
	EventMessageSend       = "message:send"
	EventMessageReceived   = "message:received"
	EventConnectionStatus  = "connection:status"
	EventControllerTier    = "controller:tier"
	EventPreferencesUpdate = "controller:preferences:update"
	EventPreferences       = "controller:preferences"
	EventGridInfo          = "display:grid-info"
	EventHeartbeat         = "client:heartbeat"
	EventActivity          = "client:activity"
	EventInactivityWarning = "session:inactivity:warning"
	EventTerminated        = "session:terminated"
	EventForceDisconnect   = "session:force-disconnect"
	EventAck               = "ack"
)

// Envelope frames every websocket exchange. Client events carrying an AckID
// receive an EventAck envelope with the same AckID in reply.
type Envelope struct {
	Event string          `json:"event"`
	AckID int64           `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handshake is the first frame a connection must send. A token is verified
// against the identity provider; a bare session code with no token is
// accepted as an anonymous member. Neither is refused outright.
type Handshake struct {
	Token       string `json:"token,omitempty"`
	SessionCode string `json:"sessionCode"`
	Role        string `json:"role,omitempty"`
}

// Ack is the structured reply to an acknowledged client event.
type Ack struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds
}

// MessagePayload is the body of message:send and message:received.
type MessagePayload struct {
	SessionCode   string `json:"sessionCode"`
	Content       string `json:"content"`
	AnimationType string `json:"animationType,omitempty"`
	ColorTheme    string `json:"colorTheme,omitempty"`
}

// StatusPayload announces controller presence to the channel.
type StatusPayload struct {
	Connected bool `json:"connected"`
}

// TierPayload carries the controller's subscription tier, best-effort.
type TierPayload struct {
	Tier string `json:"tier"`
}

// PreferencesPayload relays controller preference changes.
type PreferencesPayload struct {
	FlipSoundEnabled bool `json:"flipSoundEnabled"`
}

// GridInfoPayload relays the display's grid configuration.
type GridInfoPayload struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// HeartbeatPayload keeps the session's idle clock fresh. Heartbeats touch
// activity only; they never count against the rate limiter.
type HeartbeatPayload struct {
	SessionCode string `json:"sessionCode"`
}

// WarningPayload is broadcast once per threshold crossing.
type WarningPayload struct {
	Message          string `json:"message"`
	MinutesRemaining int    `json:"minutesRemaining"`
}

// TerminatedPayload announces session termination to all members.
type TerminatedPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ForceDisconnectPayload precedes the hard close of one connection.
type ForceDisconnectPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal cleanly; this indicates a programming error.
		panic(err)
	}
	return data
}

func envelope(event string, payload interface{}) Envelope {
	return Envelope{Event: event, Data: mustMarshal(payload)}
}
