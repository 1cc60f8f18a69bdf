// Package ratelimit provides the sliding-window admission checks guarding
// message relay and connection attempts. All state lives in the distributed
// store; the limiter itself is stateless and safe to share across handlers.
package ratelimit

import (
	"context"
	"time"

	"github.com/flipwire/flipwire/internal/metrics"
	"github.com/flipwire/flipwire/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxPerWindow is the per-identity message budget
	DefaultMaxPerWindow = 10

	// DefaultWindow is the trailing window length
	DefaultWindow = 60 * time.Second

	// DefaultAddressMultiplier widens the per-address budget relative to
	// the per-identity one
	DefaultAddressMultiplier = 5

	// DefaultConnectsPerWindow bounds connection attempts per address per
	// 60s to blunt connection floods
	DefaultConnectsPerWindow = 20
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter applies one sliding-window variant. The kind prefixes store keys
// so the variants never share windows.
type Limiter struct {
	store  storage.RateLimitStore
	kind   string
	max    int
	window time.Duration
	logger zerolog.Logger
}

// Config holds limiter configuration
type Config struct {
	MessagesPerWindow int
	Window            time.Duration
	AddressMultiplier int
	ConnectsPerWindow int
}

func (c Config) withDefaults() Config {
	if c.MessagesPerWindow == 0 {
		c.MessagesPerWindow = DefaultMaxPerWindow
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.AddressMultiplier == 0 {
		c.AddressMultiplier = DefaultAddressMultiplier
	}
	if c.ConnectsPerWindow == 0 {
		c.ConnectsPerWindow = DefaultConnectsPerWindow
	}
	return c
}

// NewMessageLimiter limits message sends per authenticated identity or,
// for anonymous senders, per address.
func NewMessageLimiter(store storage.RateLimitStore, cfg Config, logger zerolog.Logger) *Limiter {
	cfg = cfg.withDefaults()
	return newLimiter(store, "msg", cfg.MessagesPerWindow, cfg.Window, logger)
}

// NewAddressLimiter applies the same algorithm to raw network addresses
// with a larger budget, as a backstop behind the identity limiter.
func NewAddressLimiter(store storage.RateLimitStore, cfg Config, logger zerolog.Logger) *Limiter {
	cfg = cfg.withDefaults()
	return newLimiter(store, "addr", cfg.MessagesPerWindow*cfg.AddressMultiplier, cfg.Window, logger)
}

// NewConnectLimiter limits connection attempts per address per 60s window.
func NewConnectLimiter(store storage.RateLimitStore, cfg Config, logger zerolog.Logger) *Limiter {
	cfg = cfg.withDefaults()
	return newLimiter(store, "conn", cfg.ConnectsPerWindow, 60*time.Second, logger)
}

func newLimiter(store storage.RateLimitStore, kind string, max int, window time.Duration, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		kind:   kind,
		max:    max,
		window: window,
		logger: logger.With().Str("component", "ratelimit").Str("kind", kind).Logger(),
	}
}

// Admit checks and records one request for key. When the store is
// unreachable the limiter fails open: the request is admitted and the
// error surfaces only in telemetry, trading limiter correctness for
// availability.
func (l *Limiter) Admit(ctx context.Context, key string) Decision {
	admission, err := l.store.Admit(ctx, l.kind+":"+key, l.max, l.window)
	if err != nil {
		metrics.RateLimitStoreErrors.WithLabelValues(l.kind).Inc()
		l.logger.Error().Err(err).Str("key", key).Msg("Store unreachable, failing open")
		return Decision{Allowed: true, Remaining: l.max}
	}

	if !admission.Allowed {
		metrics.RateLimitRejections.WithLabelValues(l.kind).Inc()
		l.logger.Debug().
			Str("key", key).
			Dur("retry_after", admission.RetryAfter).
			Msg("Request rejected by sliding window")
	}

	return Decision{
		Allowed:    admission.Allowed,
		Remaining:  admission.Remaining,
		RetryAfter: admission.RetryAfter,
	}
}

// Max returns the configured window budget.
func (l *Limiter) Max() int {
	return l.max
}

// Window returns the configured trailing window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}
