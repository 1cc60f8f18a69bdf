package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flipwire/flipwire/internal/storage"
)

const writeTimeout = 10 * time.Second

// Conn is one live member transport on this gateway instance. The registry
// record in the distributed store is authoritative for membership; Conn
// holds only transport-local bookkeeping.
type Conn struct {
	ID            string
	Code          string
	Role          storage.Role
	Identity      string
	Authenticated bool
	RemoteAddr    string
	JoinedAt      time.Time

	ws           *websocket.Conn
	lastActivity atomic.Int64
	writeMu      sync.Mutex
	closed       atomic.Bool
}

func newConn(ws *websocket.Conn, id string, hs Handshake, identity string, authenticated bool, remoteAddr string) *Conn {
	role := storage.RoleDisplay
	if hs.Role == string(storage.RoleController) {
		role = storage.RoleController
	}

	c := &Conn{
		ID:            id,
		Code:          hs.SessionCode,
		Role:          role,
		Identity:      identity,
		Authenticated: authenticated,
		RemoteAddr:    remoteAddr,
		JoinedAt:      time.Now(),
		ws:            ws,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

// Send writes one envelope. Writes are serialized; a write past the
// deadline fails the connection rather than blocking the caller.
func (c *Conn) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

// Touch refreshes the transport-local activity timestamp.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().Unix())
}

// LastActivity returns the time of the last inbound frame.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(c.lastActivity.Load(), 0)
}

// Close sends a close frame and tears the transport down. Safe to call
// more than once.
func (c *Conn) Close(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeTimeout),
	)
	c.writeMu.Unlock()

	_ = c.ws.Close()
}

// ForceDisconnect sends the force-disconnect notice and immediately hard
// closes the transport. Fire-and-forget: a failed notice never delays the
// close.
func (c *Conn) ForceDisconnect(reason, message string) {
	_ = c.Send(envelope(EventForceDisconnect, ForceDisconnectPayload{
		Reason:  reason,
		Message: message,
	}))
	c.Close(websocket.ClosePolicyViolation, reason)
}
