package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Gateway metrics
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flipwire_active_connections",
			Help: "Number of live websocket connections on this instance",
		},
	)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipwire_connections_total",
			Help: "Total accepted connections by role",
		},
		[]string{"role"},
	)

	MessagesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipwire_messages_relayed_total",
			Help: "Messages broadcast to session channels",
		},
		[]string{"event"},
	)

	RelayRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipwire_relay_rejections_total",
			Help: "Messages rejected before broadcast",
		},
		[]string{"reason"},
	)

	// Rate limiter metrics
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipwire_ratelimit_rejections_total",
			Help: "Admissions denied by the sliding window",
		},
		[]string{"kind"},
	)

	RateLimitStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipwire_ratelimit_store_errors_total",
			Help: "Store failures during admission checks (limiter failed open)",
		},
		[]string{"kind"},
	)

	// Session lifecycle metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flipwire_active_sessions",
			Help: "Session codes with live members across the fleet",
		},
	)

	SessionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipwire_sessions_terminated_total",
			Help: "Sessions terminated by the activity monitor or administratively",
		},
		[]string{"reason"},
	)

	InactivityWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flipwire_inactivity_warnings_total",
			Help: "One-time inactivity warnings broadcast to sessions",
		},
	)

	StaleDisconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flipwire_stale_disconnects_total",
			Help: "Single connections reclaimed by the staleness sweep",
		},
	)

	// Message log metrics
	MessageLogErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flipwire_message_log_errors_total",
			Help: "Failed appends to the external message log",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		ActiveConnections,
		ConnectionsTotal,
		MessagesRelayed,
		RelayRejections,
		RateLimitRejections,
		RateLimitStoreErrors,
		ActiveSessions,
		SessionsTerminated,
		InactivityWarnings,
		StaleDisconnects,
		MessageLogErrors,
	)
}

// ReadyCheck reports whether the instance should receive traffic.
// Store unavailability fails the check closed.
type ReadyCheck func(ctx context.Context) error

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, ready ReadyCheck, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := ready(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
