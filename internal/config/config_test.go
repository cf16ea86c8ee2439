package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	in := strings.NewReader(`
relay:
  port: 9100
  cache_ttl: 30s
sync:
  policy: creator-wins
reconnect:
  max_attempts: 3
`)
	cfg, err := Load(in)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Relay.Port)
	assert.Equal(t, 30*time.Second, cfg.Relay.CacheTTL)
	assert.Equal(t, "creator-wins", cfg.Sync.Policy)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)

	// Untouched fields keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Relay.Host)
	assert.Equal(t, "ws://localhost:8090/sync", cfg.Client.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Sync.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEmptyInputReturnsDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default().Relay, cfg.Relay)
	assert.Equal(t, Default().Sync, cfg.Sync)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	_, err := Load(strings.NewReader("relay: [not a map"))
	assert.Error(t, err)
}

func TestLoadFileMissingPathFallsBack(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, Default().Relay, cfg.Relay)

	_, err = LoadFile("/nonexistent/anchorsync.yaml")
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ANCHORSYNC_ENDPOINT", "wss://relay.example.com/sync")
	t.Setenv("ANCHORSYNC_REGION", "room_lobby")
	t.Setenv("ANCHORSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(strings.NewReader("client:\n  region: from_file\n"))
	require.NoError(t, err)

	assert.Equal(t, "wss://relay.example.com/sync", cfg.Client.Endpoint)
	assert.Equal(t, "room_lobby", cfg.Client.Region, "environment wins over file")
	assert.Equal(t, "debug", cfg.Log.Level)
}
