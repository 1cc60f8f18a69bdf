package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/flipwire/flipwire/internal/gateway"
)

const (
	ackTimeout        = 10 * time.Second
	heartbeatInterval = 30 * time.Second
)

// ErrAckTimeout is returned when the gateway never acknowledges an event.
var ErrAckTimeout = errors.New("client: acknowledgement timed out")

// Wire is one live connection from a controller or display to a gateway.
// Events arriving from the gateway are delivered on Events(); sends with
// acknowledgement are correlated by ack id.
type Wire struct {
	baseURL string
	hs      gateway.Handshake
	logger  zerolog.Logger

	ws     *websocket.Conn
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan gateway.Ack

	events   chan gateway.Envelope
	done     chan struct{}
	shutdown sync.Once
}

// stop closes the done channel exactly once. Close and the read loop can
// race here; sync.Once keeps the loser from closing a closed channel.
func (w *Wire) stop() {
	w.shutdown.Do(func() { close(w.done) })
}

// Dial probes the session, then connects and performs the handshake.
// Transient dial failures are retried with exponential backoff until ctx
// is cancelled.
func Dial(ctx context.Context, baseURL string, hs gateway.Handshake, logger zerolog.Logger) (*Wire, error) {
	// Displays create the session by joining; controllers only ever join
	// a session a display already opened.
	if hs.Role != "display" {
		exists, err := SessionExists(ctx, baseURL, hs.SessionCode)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("client: session %s does not exist", hs.SessionCode)
		}
	}

	w := &Wire{
		baseURL: baseURL,
		hs:      hs,
		logger:  logger.With().Str("component", "wire").Logger(),
		pending: make(map[int64]chan gateway.Ack),
		events:  make(chan gateway.Envelope, 32),
		done:    make(chan struct{}),
	}

	wsURL, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err = backoff.RetryNotify(
		func() error {
			ws, _, dialErr := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if dialErr != nil {
				return dialErr
			}
			if hsErr := ws.WriteJSON(hs); hsErr != nil {
				_ = ws.Close()
				return hsErr
			}
			w.ws = ws
			return nil
		},
		policy,
		func(err error, next time.Duration) {
			w.logger.Warn().Err(err).Dur("retry_in", next).Msg("Dial failed, retrying")
		},
	)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	go w.readLoop()
	go w.heartbeatLoop()
	return w, nil
}

// SessionExists asks the gateway whether a session code is live, without
// joining it.
func SessionExists(ctx context.Context, baseURL, code string) (bool, error) {
	u, err := url.JoinPath(baseURL, "session", code, "exists")
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("existence probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("existence probe: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Exists bool `json:"exists"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Exists, nil
}

// TerminateSession asks the gateway to end a session for every member.
// Returns false without error when no such session exists.
func TerminateSession(ctx context.Context, baseURL, code string) (bool, error) {
	u, err := url.JoinPath(baseURL, "session", code)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("terminate request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("terminate request: unexpected status %d", resp.StatusCode)
	}
}

// Events returns the stream of non-ack envelopes from the gateway. The
// channel closes when the connection drops.
func (w *Wire) Events() <-chan gateway.Envelope {
	return w.events
}

// Send delivers one event and waits for the gateway's acknowledgement.
func (w *Wire) Send(ctx context.Context, event string, payload interface{}) (gateway.Ack, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return gateway.Ack{}, err
	}

	id := w.nextID.Add(1)
	ackCh := make(chan gateway.Ack, 1)
	w.mu.Lock()
	w.pending[id] = ackCh
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	env := gateway.Envelope{Event: event, AckID: id, Data: data}
	w.mu.Lock()
	err = w.ws.WriteJSON(env)
	w.mu.Unlock()
	if err != nil {
		return gateway.Ack{}, err
	}

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-time.After(ackTimeout):
		return gateway.Ack{}, ErrAckTimeout
	case <-ctx.Done():
		return gateway.Ack{}, ctx.Err()
	case <-w.done:
		return gateway.Ack{}, errors.New("client: connection closed")
	}
}

// Heartbeat sends one unacknowledged heartbeat frame.
func (w *Wire) Heartbeat() error {
	env := gateway.Envelope{
		Event: gateway.EventHeartbeat,
		Data: mustMarshal(gateway.HeartbeatPayload{
			SessionCode: w.hs.SessionCode,
		}),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteJSON(env)
}

// Close tears the connection down. Safe to call more than once and
// concurrently with a dropping connection.
func (w *Wire) Close() error {
	w.stop()
	return w.ws.Close()
}

func (w *Wire) readLoop() {
	defer close(w.events)

	for {
		var env gateway.Envelope
		if err := w.ws.ReadJSON(&env); err != nil {
			select {
			case <-w.done:
			default:
				w.logger.Debug().Err(err).Msg("Connection dropped")
			}
			w.stop()
			return
		}

		if env.Event == gateway.EventAck {
			var ack gateway.Ack
			if err := json.Unmarshal(env.Data, &ack); err != nil {
				w.logger.Warn().Err(err).Msg("Malformed ack")
				continue
			}
			w.mu.Lock()
			ch, ok := w.pending[env.AckID]
			w.mu.Unlock()
			if ok {
				ch <- ack
			}
			continue
		}

		select {
		case w.events <- env:
		default:
			w.logger.Warn().Str("event", env.Event).Msg("Event buffer full, dropping")
		}
	}
}

func (w *Wire) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.Heartbeat(); err != nil {
				w.logger.Debug().Err(err).Msg("Heartbeat failed")
				return
			}
		}
	}
}

func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	return u.String(), nil
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
