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
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, DefaultDatabaseURL, cfg.DatabaseURL)
	assert.Equal(t, DefaultQueryLimit, cfg.DefaultQueryLimit)
	assert.Equal(t, DefaultMaxQueryLimit, cfg.MaxQueryLimit)
	assert.Equal(t, DefaultSatelliteLiveness, cfg.SatelliteLivenessSeconds)
	assert.Equal(t, DefaultExpirySweepSeconds, cfg.ExpirySweepIntervalSeconds)
	assert.True(t, cfg.Metrics)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `{
		"listen_address": ":9090",
		"database_url": "nats://nats.internal:4222",
		"relay_name": "Test Relay",
		"server_contact": "ops@example.com",
		"max_outbound_queue": 64,
		"clock_skew_future_seconds": 60
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddress)
	assert.Equal(t, "nats://nats.internal:4222", cfg.DatabaseURL)
	assert.Equal(t, "Test Relay", cfg.RelayName)
	assert.Equal(t, 64, cfg.MaxOutboundQueue)
	assert.Equal(t, 60, cfg.ClockSkewFutureSeconds)
	// Untouched fields keep defaults
	assert.Equal(t, DefaultQueryLimit, cfg.DefaultQueryLimit)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"listen_address": ":9090"}`)
	t.Setenv("HEALTHNOTE_LISTEN_ADDRESS", ":7777")
	t.Setenv("HEALTHNOTE_MAX_OUTBOUND_QUEUE", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.ListenAddress)
	assert.Equal(t, 42, cfg.MaxOutboundQueue)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"listen_address": `)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(_ *Config) {}, ""},
		{"empty listen address", func(c *Config) { c.ListenAddress = "" }, "listen_address"},
		{"empty database url", func(c *Config) { c.DatabaseURL = "" }, "database_url"},
		{"zero queue", func(c *Config) { c.MaxOutboundQueue = 0 }, "max_outbound_queue"},
		{"zero default limit", func(c *Config) { c.DefaultQueryLimit = 0 }, "default_query_limit"},
		{"default above max", func(c *Config) { c.DefaultQueryLimit = c.MaxQueryLimit + 1 }, "exceeds max_query_limit"},
		{"negative skew", func(c *Config) { c.ClockSkewFutureSeconds = -1 }, "clock_skew_future_seconds"},
		{"zero liveness", func(c *Config) { c.SatelliteLivenessSeconds = 0 }, "satellite_liveness_seconds"},
		{"zero sweep", func(c *Config) { c.ExpirySweepIntervalSeconds = 0 }, "expiry_sweep_interval_seconds"},
		{"bad seckey hex", func(c *Config) { c.ServerIdentitySeckey = "zz" }, "server_identity_seckey"},
		{"short pubkey", func(c *Config) { c.ServerIdentityPubkey = "abcd" }, "server_identity_pubkey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateAcceptsHexKeys(t *testing.T) {
	cfg := Default()
	cfg.ServerIdentitySeckey = "67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa"
	cfg.ServerIdentityPubkey = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"
	assert.NoError(t, cfg.Validate())
}
