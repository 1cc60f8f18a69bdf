// Package monitor runs the background sweep that enforces session
// lifecycle limits: a one-time warning at the idle threshold, termination
// at the hard idle timeout or maximum lifetime, and reclamation of
// individually stale connections.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/flipwire/flipwire/internal/metrics"
	"github.com/flipwire/flipwire/internal/storage"
)

// Terminator is the gateway-side surface the monitor drives. The monitor
// never touches transports directly; it decides, the gateway executes.
type Terminator interface {
	Terminate(ctx context.Context, code, reason string) error
	Warn(ctx context.Context, code string, minutesRemaining int) error
	ReclaimStale(ctx context.Context, bound time.Duration) int
}

// Config holds the sweep thresholds.
type Config struct {
	SweepInterval    time.Duration // how often the session sweep runs
	WarningThreshold time.Duration // idle time before the one-time warning
	HardTimeout      time.Duration // idle time before termination
	MaxLifetime      time.Duration // absolute session age limit
	StaleConnection  time.Duration // per-connection inactivity bound
	StaleInterval    time.Duration // how often the staleness sweep runs
}

func (c Config) withDefaults() Config {
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.WarningThreshold == 0 {
		c.WarningThreshold = 10 * time.Minute
	}
	if c.HardTimeout == 0 {
		c.HardTimeout = 15 * time.Minute
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 24 * time.Hour
	}
	if c.StaleConnection == 0 {
		c.StaleConnection = 5 * time.Minute
	}
	if c.StaleInterval == 0 {
		c.StaleInterval = 5 * time.Minute
	}
	return c
}

// Monitor owns the periodic sweeps. One monitor runs per gateway process;
// all decisions are made from shared store state so concurrent sweeps
// converge on the same outcome.
type Monitor struct {
	sessions   storage.SessionStore
	terminator Terminator
	cfg        Config
	logger     zerolog.Logger
}

// New creates an activity monitor.
func New(sessions storage.SessionStore, terminator Terminator, cfg Config, logger zerolog.Logger) (*Monitor, error) {
	return &Monitor{
		sessions:   sessions,
		terminator: terminator,
		cfg:        cfg.withDefaults(),
		logger:     logger.With().Str("component", "monitor").Logger(),
	}, nil
}

// Run blocks until ctx is cancelled, sweeping sessions on SweepInterval
// and stale connections on StaleInterval. A failed iteration is logged
// and the loop continues; the monitor never dies to a transient error.
func (m *Monitor) Run(ctx context.Context) {
	sessionTicker := time.NewTicker(m.cfg.SweepInterval)
	defer sessionTicker.Stop()
	staleTicker := time.NewTicker(m.cfg.StaleInterval)
	defer staleTicker.Stop()

	m.logger.Info().
		Dur("sweep_interval", m.cfg.SweepInterval).
		Dur("warning_threshold", m.cfg.WarningThreshold).
		Dur("hard_timeout", m.cfg.HardTimeout).
		Dur("max_lifetime", m.cfg.MaxLifetime).
		Msg("Activity monitor started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Activity monitor stopped")
			return
		case <-sessionTicker.C:
			m.safeSweep(ctx)
		case <-staleTicker.C:
			reclaimed := m.terminator.ReclaimStale(ctx, m.cfg.StaleConnection)
			if reclaimed > 0 {
				m.logger.Info().Int("reclaimed", reclaimed).Msg("Stale connections reclaimed")
			}
		}
	}
}

func (m *Monitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Sweep panicked, continuing")
		}
	}()

	if err := m.Sweep(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Sweep failed")
	}
}

// Sweep examines every active session once and applies the lifecycle
// rules. Exported for tests and for a one-shot administrative run.
func (m *Monitor) Sweep(ctx context.Context) error {
	codes, err := m.sessions.ListActiveCodes(ctx)
	if err != nil {
		return err
	}

	metrics.ActiveSessions.Set(float64(len(codes)))

	for _, code := range codes {
		if err := m.sweepSession(ctx, code); err != nil {
			// One broken session must not shadow the rest of the sweep.
			m.logger.Warn().Err(err).Str("code", code).Msg("Session sweep error")
		}
	}
	return nil
}

func (m *Monitor) sweepSession(ctx context.Context, code string) error {
	session, err := m.sessions.Get(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		// Raced with a terminate or a disconnect; nothing to do.
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now()
	age := now.Sub(session.CreatedAt)
	idle := now.Sub(session.LastActivity)

	if age >= m.cfg.MaxLifetime {
		return m.terminator.Terminate(ctx, code, "session lifetime exceeded")
	}

	if idle >= m.cfg.HardTimeout {
		reason := fmt.Sprintf("inactivity (%d minutes idle)", int(idle.Minutes()))
		return m.terminator.Terminate(ctx, code, reason)
	}

	if idle >= m.cfg.WarningThreshold {
		// The warned flag lives on the session record itself so that with
		// many monitors sweeping the fleet, only the first to mark it
		// broadcasts. Activity touches clear the flag, re-arming the
		// warning for the next crossing.
		won, err := m.sessions.MarkWarned(ctx, code)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		remaining := int(math.Ceil((m.cfg.HardTimeout - idle).Minutes()))
		if remaining < 1 {
			remaining = 1
		}
		return m.terminator.Warn(ctx, code, remaining)
	}

	return nil
}
