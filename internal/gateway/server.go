package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server is the gateway HTTP surface: the websocket endpoint, the
// session-existence probe clients hit before attempting to pair, and the
// administrative terminate endpoint.
type Server struct {
	gateway  *Gateway
	server   *http.Server
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates the gateway HTTP server.
func NewServer(addr string, gw *Gateway, logger zerolog.Logger) *Server {
	s := &Server{
		gateway: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Displays are embedded in arbitrary pages; pairing is guarded
			// by the session code, not the origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "gateway-server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("GET /session/{code}/exists", s.handleSessionExists)
	mux.HandleFunc("DELETE /session/{code}", s.handleSessionTerminate)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	// Connection-attempt limit is checked before the upgrade so floods are
	// refused at the cheapest point.
	decision := s.gateway.ConnectAllowed(r.Context(), r.RemoteAddr)
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	go s.gateway.handleConnection(ws, r.RemoteAddr, r.UserAgent())
}

func (s *Server) handleSessionExists(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !ValidCode(code) {
		http.Error(w, "malformed session code", http.StatusBadRequest)
		return
	}

	exists, err := s.gateway.SessionExists(r.Context(), code)
	if err != nil {
		s.logger.Error().Err(err).Str("code", code).Msg("Existence probe failed")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"exists": exists})
}

// handleSessionTerminate is the operator's explicit kill switch. It ends
// the session for every member across all gateway processes, not just the
// ones connected here.
func (s *Server) handleSessionTerminate(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !ValidCode(code) {
		http.Error(w, "malformed session code", http.StatusBadRequest)
		return
	}

	exists, err := s.gateway.SessionExists(r.Context(), code)
	if err != nil {
		s.logger.Error().Err(err).Str("code", code).Msg("Terminate lookup failed")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !exists {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}

	if err := s.gateway.Terminate(r.Context(), code, "administrative"); err != nil {
		s.logger.Error().Err(err).Str("code", code).Msg("Administrative terminate failed")
		http.Error(w, "terminate failed", http.StatusInternalServerError)
		return
	}

	s.logger.Info().Str("code", code).Msg("Session terminated by operator")
	w.WriteHeader(http.StatusNoContent)
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the gateway server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting gateway server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the gateway server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping gateway server")
	return s.server.Shutdown(ctx)
}
