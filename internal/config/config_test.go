package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.GatewayPort)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 10, cfg.Limits.MessagesPerWindow)
	assert.Equal(t, 5, cfg.Limits.AddressMultiplier)
	assert.Equal(t, 20, cfg.Limits.ConnectsPerMinute)
	assert.Equal(t, "10m", cfg.Session.WarningThreshold)
	assert.Equal(t, "15m", cfg.Session.HardTimeout)
	assert.Equal(t, "24h", cfg.Session.MaxLifetime)
	assert.Equal(t, "15m", cfg.Client.HardCap)
	assert.Equal(t, "5m", cfg.Client.InactivityCap)
	assert.Equal(t, 3, cfg.Client.FreeQuota)
	assert.False(t, cfg.MessageLog.Enabled)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  gateway_port: 9000
limits:
  messages_per_window: 5
session:
  hard_timeout: 30m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.GatewayPort)
	assert.Equal(t, 5, cfg.Limits.MessagesPerWindow)
	assert.Equal(t, "30m", cfg.Session.HardTimeout)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost", cfg.Redis.Host)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FLIPWIRE_REDIS_HOST", "redis.internal")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "redis.internal", cfg.Redis.Host)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad gateway port", "server:\n  gateway_port: -1\n"},
		{"zero message budget", "limits:\n  messages_per_window: 0\n"},
		{"log enabled without brokers", "message_log:\n  enabled: true\n  brokers: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
