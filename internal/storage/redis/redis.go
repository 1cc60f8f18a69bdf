package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/flipwire/flipwire/internal/config"
	"github.com/flipwire/flipwire/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	flipwire:session:{code}          hash: code, created_at, last_activity, rows, cols
//	flipwire:session:{code}:members  list of member IDs in join order
//	flipwire:member:{code}:{id}      hash: one member record
//	flipwire:sessions:active         set of codes with live members
//	flipwire:ratelimit:{kind}:{key}  sorted set of request timestamps
//	flipwire:channel:{code}          pub/sub channel for cross-process fan-out
const (
	sessionPrefix   = "flipwire:session:"
	memberPrefix    = "flipwire:member:"
	activeSet       = "flipwire:sessions:active"
	ratelimitPrefix = "flipwire:ratelimit:"
	channelPrefix   = "flipwire:channel:"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client    *redis.Client
	sessions  *sessionStore
	limits    *ratelimitStore
	broadcast *broadcastBus
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig, serverID string) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	// Create Redis client
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, serverID), nil
}

// NewStore wraps an existing client. Used by Open and by tests running
// against miniredis.
func NewStore(client *redis.Client, serverID string) *Store {
	return &Store{
		client:    client,
		sessions:  &sessionStore{client: client},
		limits:    &ratelimitStore{client: client},
		broadcast: &broadcastBus{client: client, origin: serverID},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the store is reachable. Readiness probes fail closed on
// a non-nil result.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessions
}

// RateLimits returns the RateLimitStore implementation
func (s *Store) RateLimits() storage.RateLimitStore {
	return s.limits
}

// Broadcasts returns the cross-process broadcast bus
func (s *Store) Broadcasts() storage.BroadcastBus {
	return s.broadcast
}

func sessionKey(code string) string {
	return sessionPrefix + code
}

func membersKey(code string) string {
	return sessionPrefix + code + ":members"
}

func memberKey(code, id string) string {
	return memberPrefix + code + ":" + id
}
