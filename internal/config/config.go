package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Session    SessionConfig    `mapstructure:"session"`
	Client     ClientConfig     `mapstructure:"client"`
	MessageLog MessageLogConfig `mapstructure:"message_log"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig defines gateway ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	GatewayPort int    `mapstructure:"gateway_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	PublicURL   string `mapstructure:"public_url"` // advertised to pairing clients
}

// RedisConfig defines the distributed store connection
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// AuthConfig defines identity-provider verification settings
type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	ProfileURL     string `mapstructure:"profile_url"`     // external profile service base URL
	ProfileTimeout string `mapstructure:"profile_timeout"` // per-lookup timeout
	TokenCacheSize int    `mapstructure:"token_cache_size"`
}

// LimitsConfig defines the sliding-window rate limiter variants
type LimitsConfig struct {
	MessagesPerWindow int    `mapstructure:"messages_per_window"`
	Window            string `mapstructure:"window"`
	AddressMultiplier int    `mapstructure:"address_multiplier"`
	ConnectsPerMinute int    `mapstructure:"connects_per_minute"`
}

// SessionConfig defines server-side session lifecycle bounds
type SessionConfig struct {
	SweepInterval    string `mapstructure:"sweep_interval"`
	WarningThreshold string `mapstructure:"warning_threshold"`
	HardTimeout      string `mapstructure:"hard_timeout"`
	MaxLifetime      string `mapstructure:"max_lifetime"`
	StaleConnection  string `mapstructure:"stale_connection"`
}

// ClientConfig defines the pairing client's lifecycle bounds
type ClientConfig struct {
	HardCap       string `mapstructure:"hard_cap"`
	InactivityCap string `mapstructure:"inactivity_cap"`
	WarningWindow string `mapstructure:"warning_window"`
	FreeQuota     int    `mapstructure:"free_quota"`
	StatePath     string `mapstructure:"state_path"` // empty = user config dir
}

// MessageLogConfig defines the external append-only message log
type MessageLogConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("FLIPWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.gateway_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.public_url", "ws://localhost:8080")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Auth defaults
	v.SetDefault("auth.profile_timeout", "5s")
	v.SetDefault("auth.token_cache_size", 1024)

	// Limit defaults
	v.SetDefault("limits.messages_per_window", 10)
	v.SetDefault("limits.window", "60s")
	v.SetDefault("limits.address_multiplier", 5)
	v.SetDefault("limits.connects_per_minute", 20)

	// Session lifecycle defaults
	v.SetDefault("session.sweep_interval", "60s")
	v.SetDefault("session.warning_threshold", "10m")
	v.SetDefault("session.hard_timeout", "15m")
	v.SetDefault("session.max_lifetime", "24h")
	v.SetDefault("session.stale_connection", "5m")

	// Client lifecycle defaults
	v.SetDefault("client.hard_cap", "15m")
	v.SetDefault("client.inactivity_cap", "5m")
	v.SetDefault("client.warning_window", "120s")
	v.SetDefault("client.free_quota", 3)

	// Message log defaults
	v.SetDefault("message_log.enabled", false)
	v.SetDefault("message_log.brokers", []string{"localhost:9092"})
	v.SetDefault("message_log.topic", "flipwire-messages")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.GatewayPort <= 0 || cfg.Server.GatewayPort > 65535 {
		return fmt.Errorf("invalid gateway port: %d", cfg.Server.GatewayPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if cfg.Limits.MessagesPerWindow <= 0 {
		return fmt.Errorf("limits.messages_per_window must be positive")
	}
	if cfg.Limits.AddressMultiplier <= 0 {
		return fmt.Errorf("limits.address_multiplier must be positive")
	}

	if cfg.MessageLog.Enabled && len(cfg.MessageLog.Brokers) == 0 {
		return fmt.Errorf("message_log.brokers is required when the message log is enabled")
	}

	return nil
}
