package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/flipwire/flipwire/internal/auth"
	"github.com/flipwire/flipwire/internal/config"
	"github.com/flipwire/flipwire/internal/gateway"
	"github.com/flipwire/flipwire/internal/metrics"
	"github.com/flipwire/flipwire/internal/monitor"
	"github.com/flipwire/flipwire/internal/msglog"
	"github.com/flipwire/flipwire/internal/ratelimit"
	"github.com/flipwire/flipwire/internal/storage/redis"
	"github.com/flipwire/flipwire/internal/systemd"
	"github.com/flipwire/flipwire/internal/telemetry"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Flipwire gateway",
	Long:  `Start the Flipwire gateway with the websocket endpoint, activity monitor and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	// Each process gets a distinct origin id so the broadcast bus can skip
	// messages it published itself.
	serverID := uuid.NewString()

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("server_id", serverID).
		Msg("Starting Flipwire")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := redis.Open(cfg.Redis, serverID)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("redis_host", cfg.Redis.Host).
		Int("redis_port", cfg.Redis.Port).
		Msg("Storage initialized")

	// Initialize token verification. No secret means every connection is
	// anonymous; tokens presented anyway are refused at the handshake.
	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.TokenCacheSize, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize token verifier: %w", err)
		}
		logger.Info().Msg("Token verifier initialized")
	} else {
		logger.Warn().Msg("No identity provider secret configured, accepting anonymous connections only")
	}

	var profiles auth.ProfileService
	if cfg.Auth.ProfileURL != "" {
		profiles = auth.NewHTTPProfileService(cfg.Auth.ProfileURL, parseDuration(cfg.Auth.ProfileTimeout, 5*time.Second))
		logger.Info().Str("url", cfg.Auth.ProfileURL).Msg("Profile service initialized")
	}

	// Initialize rate limiters
	limitCfg := ratelimit.Config{
		MessagesPerWindow: cfg.Limits.MessagesPerWindow,
		Window:            parseDuration(cfg.Limits.Window, ratelimit.DefaultWindow),
		AddressMultiplier: cfg.Limits.AddressMultiplier,
		ConnectsPerWindow: cfg.Limits.ConnectsPerMinute,
	}
	msgLimiter := ratelimit.NewMessageLimiter(store.RateLimits(), limitCfg, logger)
	addrLimiter := ratelimit.NewAddressLimiter(store.RateLimits(), limitCfg, logger)
	connectLimiter := ratelimit.NewConnectLimiter(store.RateLimits(), limitCfg, logger)

	logger.Info().
		Int("messages_per_window", msgLimiter.Max()).
		Int("address_budget", addrLimiter.Max()).
		Int("connects_per_minute", connectLimiter.Max()).
		Msg("Rate limiters initialized")

	// Initialize the external message log
	var messageLog msglog.Log = msglog.Nop{}
	if cfg.MessageLog.Enabled {
		kafkaLog, err := msglog.NewKafkaLog(cfg.MessageLog.Brokers, cfg.MessageLog.Topic, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize message log: %w", err)
		}
		messageLog = kafkaLog
		logger.Info().
			Strs("brokers", cfg.MessageLog.Brokers).
			Str("topic", cfg.MessageLog.Topic).
			Msg("Message log initialized")
	}
	defer func() {
		if err := messageLog.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close message log")
		}
	}()

	// Initialize the channel hub and gateway
	hub := gateway.NewHub(store.Broadcasts(), logger)
	gw := gateway.New(gateway.Deps{
		Sessions:       store.Sessions(),
		Hub:            hub,
		Verifier:       verifier,
		Profiles:       profiles,
		MsgLimiter:     msgLimiter,
		AddrLimiter:    addrLimiter,
		ConnectLimiter: connectLimiter,
		MessageLog:     messageLog,
		Telemetry:      telemetry.NewLogEmitter(logger),
	}, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := hub.Run(runCtx); err != nil {
			logger.Error().Err(err).Msg("Broadcast bus consumer stopped")
		}
	}()

	// Initialize the gateway HTTP server
	gatewayAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.GatewayPort)
	gatewayServer := gateway.NewServer(gatewayAddr, gw, logger)

	if sdListeners.Activated && sdListeners.Gateway != nil {
		gatewayServer.SetListener(sdListeners.Gateway)
	}

	if err := gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	logger.Info().
		Str("addr", gatewayAddr).
		Msg("Gateway server started")

	// Initialize the activity monitor
	mon, err := monitor.New(store.Sessions(), gw, monitor.Config{
		SweepInterval:    parseDuration(cfg.Session.SweepInterval, time.Minute),
		WarningThreshold: parseDuration(cfg.Session.WarningThreshold, 10*time.Minute),
		HardTimeout:      parseDuration(cfg.Session.HardTimeout, 15*time.Minute),
		MaxLifetime:      parseDuration(cfg.Session.MaxLifetime, 24*time.Hour),
		StaleConnection:  parseDuration(cfg.Session.StaleConnection, 5*time.Minute),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize activity monitor: %w", err)
	}
	go mon.Run(runCtx)

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, store.Ping, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics server started")

	// Log startup complete
	logger.Info().Msg("Flipwire startup complete")
	logger.Info().Msgf("Gateway: ws://%s/ws", gatewayAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop servers
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := gatewayServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping gateway server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("Flipwire stopped")

	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
