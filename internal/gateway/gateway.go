package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/flipwire/flipwire/internal/auth"
	"github.com/flipwire/flipwire/internal/metrics"
	"github.com/flipwire/flipwire/internal/msglog"
	"github.com/flipwire/flipwire/internal/ratelimit"
	"github.com/flipwire/flipwire/internal/storage"
	"github.com/flipwire/flipwire/internal/telemetry"
)

const (
	handshakeTimeout = 10 * time.Second
	storeTimeout     = 5 * time.Second
)

// Gateway accepts inbound connections, authenticates them, joins them to
// the channel named after their session code and relays payloads. All
// cross-process truth lives in the distributed store.
type Gateway struct {
	sessions storage.SessionStore
	hub      *Hub

	verifier *auth.Verifier
	profiles auth.ProfileService

	msgLimiter     *ratelimit.Limiter
	addrLimiter    *ratelimit.Limiter
	connectLimiter *ratelimit.Limiter

	messageLog msglog.Log
	telemetry  telemetry.Emitter
	logger     zerolog.Logger
}

// Deps bundles the gateway's collaborators.
type Deps struct {
	Sessions       storage.SessionStore
	Hub            *Hub
	Verifier       *auth.Verifier
	Profiles       auth.ProfileService
	MsgLimiter     *ratelimit.Limiter
	AddrLimiter    *ratelimit.Limiter
	ConnectLimiter *ratelimit.Limiter
	MessageLog     msglog.Log
	Telemetry      telemetry.Emitter
}

// New creates a gateway instance.
func New(deps Deps, logger zerolog.Logger) *Gateway {
	messageLog := deps.MessageLog
	if messageLog == nil {
		messageLog = msglog.Nop{}
	}
	emitter := deps.Telemetry
	if emitter == nil {
		emitter = telemetry.Nop{}
	}

	return &Gateway{
		sessions:       deps.Sessions,
		hub:            deps.Hub,
		verifier:       deps.Verifier,
		profiles:       deps.Profiles,
		msgLimiter:     deps.MsgLimiter,
		addrLimiter:    deps.AddrLimiter,
		connectLimiter: deps.ConnectLimiter,
		messageLog:     messageLog,
		telemetry:      emitter,
		logger:         logger.With().Str("component", "gateway").Logger(),
	}
}

// handleConnection owns one transport from handshake to disconnect.
func (g *Gateway) handleConnection(ws *websocket.Conn, remoteAddr, clientAgent string) {
	conn, err := g.authenticate(ws, remoteAddr)
	if err != nil {
		g.logger.Warn().Err(err).Str("remote_addr", remoteAddr).Msg("Handshake rejected")
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeTimeout),
		)
		_ = ws.Close()
		return
	}

	if err := g.join(conn, clientAgent); err != nil {
		g.logger.Error().Err(err).Str("code", conn.Code).Msg("Join failed")
		conn.Close(websocket.CloseInternalServerErr, "join failed")
		return
	}

	metrics.ActiveConnections.Inc()
	metrics.ConnectionsTotal.WithLabelValues(string(conn.Role)).Inc()
	defer metrics.ActiveConnections.Dec()

	defer g.leave(conn)

	g.readLoop(conn)
}

// authenticate reads the handshake frame and resolves the connection's
// identity. A bearer credential is verified against the identity provider;
// a bare session code with no credential is accepted as an anonymous
// member. Neither is refused.
func (g *Gateway) authenticate(ws *websocket.Conn, remoteAddr string) (*Conn, error) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var hs Handshake
	if err := ws.ReadJSON(&hs); err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	if hs.SessionCode == "" && hs.Token == "" {
		return nil, errors.New("handshake carries neither credential nor session code")
	}
	if !ValidCode(hs.SessionCode) {
		return nil, errors.New("malformed session code")
	}

	var identity string
	authenticated := false
	if hs.Token != "" {
		if g.verifier == nil {
			return nil, errors.New("credential presented but verification is not configured")
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		claims, err := g.verifier.Verify(ctx, hs.Token)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("credential rejected: %w", err)
		}
		identity = claims.Identity
		authenticated = true
	}

	return newConn(ws, uuid.NewString(), hs, identity, authenticated, remoteAddr), nil
}

// join registers the member in the registry and the local channel, and
// emits the controller-join side effects.
func (g *Gateway) join(conn *Conn, clientAgent string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	countBefore, err := g.sessions.MemberCount(ctx, conn.Code)
	if err != nil {
		return fmt.Errorf("read member count: %w", err)
	}

	created, countAfter, err := g.sessions.Join(ctx, conn.Code, storage.Member{
		ID:            conn.ID,
		Code:          conn.Code,
		Role:          conn.Role,
		Identity:      conn.Identity,
		Authenticated: conn.Authenticated,
		RemoteAddr:    conn.RemoteAddr,
		ClientAgent:   clientAgent,
	})
	if err != nil {
		return err
	}

	g.hub.Join(conn)

	// A controller joining an empty channel means no display is listening
	// yet. Advisory only; the pairing is still accepted.
	if conn.Role == storage.RoleController && countBefore == 0 {
		g.logger.Warn().
			Str("code", conn.Code).
			Str("connection_id", conn.ID).
			Msg("Controller joined before any display")
	}

	g.logger.Info().
		Str("code", conn.Code).
		Str("connection_id", conn.ID).
		Str("role", string(conn.Role)).
		Bool("authenticated", conn.Authenticated).
		Bool("session_created", created).
		Int("members_before", countBefore).
		Int("members_after", countAfter).
		Msg("Member joined")

	if conn.Role == storage.RoleController {
		g.hub.Broadcast(ctx, conn.Code, envelope(EventConnectionStatus, StatusPayload{Connected: true}))

		if conn.Authenticated && g.profiles != nil {
			// Resolved off the join path; a slow or failing profile
			// service must not block the pairing.
			go g.broadcastTier(conn.Code, conn.Identity)
		}
	}

	return nil
}

// broadcastTier resolves the controller's subscription tier and announces
// it to the channel, best-effort.
func (g *Gateway) broadcastTier(code, identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	tier, err := g.profiles.Tier(ctx, identity)
	if err != nil {
		g.logger.Warn().Err(err).Str("identity", identity).Msg("Tier lookup failed")
		return
	}

	g.hub.Broadcast(ctx, code, envelope(EventControllerTier, TierPayload{Tier: tier}))
}

// leave detaches the connection from the channel and the registry. A
// session left with zero members is not deleted here: cleanup belongs to
// the activity monitor so rapid reconnects find the session intact.
func (g *Gateway) leave(conn *Conn) {
	g.hub.Leave(conn)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	remaining, err := g.sessions.RemoveMember(ctx, conn.Code, conn.ID)
	if err != nil {
		g.logger.Error().Err(err).Str("code", conn.Code).Str("connection_id", conn.ID).Msg("Failed to remove member from registry")
	}

	g.logger.Info().
		Str("code", conn.Code).
		Str("connection_id", conn.ID).
		Dur("connected_for", time.Since(conn.JoinedAt)).
		Int("remaining_members", remaining).
		Msg("Member left")

	g.telemetry.Emit(telemetry.Event{
		Name:    "member_disconnected",
		Elapsed: time.Since(conn.JoinedAt),
		Fields:  map[string]string{"role": string(conn.Role)},
	})
}

func (g *Gateway) readLoop(conn *Conn) {
	for {
		var env Envelope
		if err := conn.ws.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				g.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("Read error")
			}
			conn.Close(websocket.CloseNormalClosure, "client disconnected")
			return
		}

		conn.Touch()
		g.dispatch(conn, env)
	}
}

func (g *Gateway) dispatch(conn *Conn, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch env.Event {
	case EventMessageSend:
		g.handleMessageSend(ctx, conn, env)

	case EventHeartbeat, EventActivity:
		// Touch only: heartbeats never count against the rate limiter
		// and are not broadcast.
		g.touch(ctx, conn)

	case EventPreferencesUpdate:
		if conn.Role != storage.RoleController {
			g.ack(conn, env.AckID, Ack{Success: false, Error: "only the controller can update preferences"})
			return
		}
		var prefs PreferencesPayload
		if err := json.Unmarshal(env.Data, &prefs); err != nil {
			g.ack(conn, env.AckID, Ack{Success: false, Field: "payload", Error: "malformed preferences payload"})
			return
		}
		g.touch(ctx, conn)
		g.hub.Broadcast(ctx, conn.Code, envelope(EventPreferences, prefs))
		metrics.MessagesRelayed.WithLabelValues(EventPreferences).Inc()
		g.ack(conn, env.AckID, Ack{Success: true})

	case EventGridInfo:
		if conn.Role != storage.RoleDisplay {
			g.ack(conn, env.AckID, Ack{Success: false, Error: "only the display can report grid info"})
			return
		}
		var grid GridInfoPayload
		if err := json.Unmarshal(env.Data, &grid); err != nil {
			g.ack(conn, env.AckID, Ack{Success: false, Field: "payload", Error: "malformed grid payload"})
			return
		}
		g.touch(ctx, conn)
		if err := g.sessions.SetGrid(ctx, conn.Code, grid.Rows, grid.Cols); err != nil {
			g.logger.Warn().Err(err).Str("code", conn.Code).Msg("Failed to record grid configuration")
		}
		g.hub.Broadcast(ctx, conn.Code, envelope(EventGridInfo, grid))
		metrics.MessagesRelayed.WithLabelValues(EventGridInfo).Inc()
		g.ack(conn, env.AckID, Ack{Success: true})

	default:
		g.logger.Debug().Str("event", env.Event).Str("connection_id", conn.ID).Msg("Ignoring unknown event")
	}
}

// handleMessageSend relays one message: touch, admit, validate, broadcast,
// log, ack, in that order.
func (g *Gateway) handleMessageSend(ctx context.Context, conn *Conn, env Envelope) {
	g.touch(ctx, conn)

	key := conn.Identity
	if key == "" {
		key = addrHost(conn.RemoteAddr)
	}

	decision := g.msgLimiter.Admit(ctx, key)
	if decision.Allowed {
		// Address backstop with a wider budget catches identity churn
		// from a single host.
		decision = g.addrLimiter.Admit(ctx, addrHost(conn.RemoteAddr))
	}
	if !decision.Allowed {
		metrics.RelayRejections.WithLabelValues("rate_limited").Inc()
		g.ack(conn, env.AckID, Ack{
			Success:    false,
			Error:      "rate limit exceeded",
			RetryAfter: int(decision.RetryAfter.Seconds()),
		})
		return
	}

	payload, fieldErr := ValidateMessage(env.Data)
	if fieldErr != nil {
		metrics.RelayRejections.WithLabelValues("validation").Inc()
		g.ack(conn, env.AckID, Ack{Success: false, Field: fieldErr.Field, Error: fieldErr.Message})
		return
	}

	g.hub.Broadcast(ctx, conn.Code, envelope(EventMessageReceived, payload))
	metrics.MessagesRelayed.WithLabelValues(EventMessageReceived).Inc()

	// Append to the external log off the relay path.
	entry := msglog.Entry{
		SessionCode: conn.Code,
		Sender:      key,
		Content:     payload.Content,
		Animation:   payload.AnimationType,
		ColorTheme:  payload.ColorTheme,
		RelayedAt:   time.Now(),
	}
	go func() {
		if err := g.messageLog.Append(entry); err != nil {
			g.logger.Warn().Err(err).Str("code", entry.SessionCode).Msg("Message log append failed")
		}
	}()

	g.ack(conn, env.AckID, Ack{Success: true})
}

func (g *Gateway) touch(ctx context.Context, conn *Conn) {
	if err := g.sessions.TouchActivity(ctx, conn.Code); err != nil {
		g.logger.Warn().Err(err).Str("code", conn.Code).Msg("Failed to touch session activity")
	}
	if err := g.sessions.TouchMember(ctx, conn.Code, conn.ID); err != nil {
		g.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("Failed to touch member activity")
	}
}

func (g *Gateway) ack(conn *Conn, ackID int64, ack Ack) {
	if ackID == 0 {
		return
	}
	if err := conn.Send(Envelope{Event: EventAck, AckID: ackID, Data: mustMarshal(ack)}); err != nil {
		g.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("Failed to deliver ack")
	}
}

// Terminate tears a session down: terminated notice to the whole channel,
// per-connection force-disconnect, transport close, registry delete.
// Idempotent: terminating an already-gone session is a logged no-op.
func (g *Gateway) Terminate(ctx context.Context, code, reason string) error {
	_, err := g.sessions.Get(ctx, code)
	if errors.Is(err, storage.ErrNotFound) && g.hub.LocalCount(code) == 0 {
		g.logger.Debug().Str("code", code).Msg("Terminate: already terminated")
		return nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("terminate %s: %w", code, err)
	}

	message := "Session terminated: " + reason

	// The terminated notice doubles as the cross-process cancellation
	// signal: remote hubs close their local members on receipt.
	g.hub.Broadcast(ctx, code, envelope(EventTerminated, TerminatedPayload{
		Reason:  reason,
		Message: message,
	}))
	closed := g.hub.CloseChannel(code, reason, message)

	if err := g.sessions.Delete(ctx, code); err != nil {
		return fmt.Errorf("delete session %s: %w", code, err)
	}

	metrics.SessionsTerminated.WithLabelValues(terminationMetricReason(reason)).Inc()
	g.telemetry.Emit(telemetry.Event{Name: "session_terminated", Reason: reason})
	g.logger.Info().
		Str("code", code).
		Str("reason", reason).
		Int("local_connections_closed", closed).
		Msg("Session terminated")

	return nil
}

// Warn broadcasts the one-time inactivity warning for a session.
func (g *Gateway) Warn(ctx context.Context, code string, minutesRemaining int) error {
	g.hub.Broadcast(ctx, code, envelope(EventInactivityWarning, WarningPayload{
		Message:          fmt.Sprintf("Session will close in %d minutes without activity", minutesRemaining),
		MinutesRemaining: minutesRemaining,
	}))
	metrics.InactivityWarnings.Inc()
	return nil
}

// ReclaimStale force disconnects local connections whose own last activity
// exceeds bound, regardless of session-level activity. Session state is
// untouched beyond the member removal done by the disconnect path.
func (g *Gateway) ReclaimStale(ctx context.Context, bound time.Duration) int {
	reclaimed := 0
	for _, conn := range g.hub.LocalConns() {
		if time.Since(conn.LastActivity()) < bound {
			continue
		}
		g.logger.Info().
			Str("code", conn.Code).
			Str("connection_id", conn.ID).
			Dur("idle", time.Since(conn.LastActivity())).
			Msg("Reclaiming stale connection")
		conn.ForceDisconnect("stale connection", "Disconnected after prolonged inactivity")
		metrics.StaleDisconnects.Inc()
		reclaimed++
	}
	return reclaimed
}

// ConnectAllowed consults the connection-attempt limiter for an address.
func (g *Gateway) ConnectAllowed(ctx context.Context, remoteAddr string) ratelimit.Decision {
	return g.connectLimiter.Admit(ctx, addrHost(remoteAddr))
}

// SessionExists is the side-channel existence probe used by clients before
// attempting to pair.
func (g *Gateway) SessionExists(ctx context.Context, code string) (bool, error) {
	_, err := g.sessions.Get(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func addrHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func terminationMetricReason(reason string) string {
	switch {
	case reason == "administrative":
		return "administrative"
	case strings.HasPrefix(reason, "inactivity"):
		return "inactivity"
	case reason == "session lifetime exceeded":
		return "lifetime"
	default:
		return "other"
	}
}
