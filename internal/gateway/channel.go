package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/flipwire/flipwire/internal/storage"
)

// Hub is the explicit channel abstraction: a named fan-out group of
// connections sharing a session code, independent of the transport.
// Broadcasts are delivered to local members directly and to members on
// other gateway processes through the store's broadcast bus. Within one
// process arrival order is preserved; across processes there is no total
// order.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Conn

	bus    storage.BroadcastBus
	logger zerolog.Logger
}

// NewHub creates a channel hub backed by the given cross-process bus.
func NewHub(bus storage.BroadcastBus, logger zerolog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[string]*Conn),
		bus:      bus,
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

// Join adds a connection to its code's channel.
func (h *Hub) Join(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.channels[c.Code]
	if !ok {
		members = make(map[string]*Conn)
		h.channels[c.Code] = members
	}
	members[c.ID] = c
}

// Leave removes a connection from its channel. Empty channels are dropped
// from the local map; the registry record is the monitor's concern.
func (h *Hub) Leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.channels[c.Code]
	if !ok {
		return
	}
	delete(members, c.ID)
	if len(members) == 0 {
		delete(h.channels, c.Code)
	}
}

// LocalCount returns the number of members of code connected to this
// instance.
func (h *Hub) LocalCount(code string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[code])
}

// LocalMembers snapshots the local member connections of code.
func (h *Hub) LocalMembers(code string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]*Conn, 0, len(h.channels[code]))
	for _, c := range h.channels[code] {
		members = append(members, c)
	}
	return members
}

// LocalConns snapshots every connection on this instance, across channels.
func (h *Hub) LocalConns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Conn, 0)
	for _, members := range h.channels {
		for _, c := range members {
			conns = append(conns, c)
		}
	}
	return conns
}

// Broadcast fans an envelope out to every member of the channel: local
// members directly, remote members via the bus. Bus failures degrade to
// local-only delivery.
func (h *Hub) Broadcast(ctx context.Context, code string, env Envelope) {
	h.deliverLocal(code, env)

	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("code", code).Msg("Failed to marshal broadcast envelope")
		return
	}
	if err := h.bus.Publish(ctx, storage.ChannelMessage{Code: code, Payload: payload}); err != nil {
		h.logger.Error().Err(err).Str("code", code).Msg("Failed to publish broadcast to bus")
	}
}

func (h *Hub) deliverLocal(code string, env Envelope) {
	for _, c := range h.LocalMembers(code) {
		if err := c.Send(env); err != nil {
			h.logger.Warn().
				Err(err).
				Str("code", code).
				Str("connection_id", c.ID).
				Msg("Failed to deliver broadcast to member")
		}
	}
}

// Run consumes the cross-process bus and delivers remote broadcasts to
// local members. A remote session:terminated acts as a cancellation
// signal: after delivery, local members of that channel are force
// disconnected so every process tears the session down.
func (h *Hub) Run(ctx context.Context) error {
	messages, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}

			var env Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				h.logger.Warn().Err(err).Str("code", msg.Code).Msg("Dropping malformed bus payload")
				continue
			}

			h.deliverLocal(msg.Code, env)

			if env.Event == EventTerminated {
				var terminated TerminatedPayload
				_ = json.Unmarshal(env.Data, &terminated)
				h.CloseChannel(msg.Code, terminated.Reason, terminated.Message)
			}
		}
	}
}

// CloseChannel force disconnects every local member of code and drops the
// channel. Closing an unknown channel is a no-op.
func (h *Hub) CloseChannel(code, reason, message string) int {
	members := h.LocalMembers(code)
	for _, c := range members {
		c.ForceDisconnect(reason, message)
	}

	h.mu.Lock()
	delete(h.channels, code)
	h.mu.Unlock()

	return len(members)
}
