// Package config loads and validates the relay configuration from a JSON
// file with environment variable overrides.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Defaults applied where the config file and environment are silent.
const (
	DefaultListenAddress      = ":8080"
	DefaultDatabaseURL        = "nats://localhost:4222"
	DefaultMaxOutboundQueue   = 256
	DefaultQueryLimit         = 500
	DefaultMaxQueryLimit      = 5000
	DefaultClockSkewFuture    = 900    // 15 minutes
	DefaultSatelliteLiveness  = 86400  // 24 hours
	DefaultExpirySweepSeconds = 3600   // hourly
	DefaultForwardTimeout     = 10     // per-attempt HTTP timeout
	DefaultForwardCeiling     = 300    // wall-clock retry budget
)

// Config holds the complete relay configuration.
type Config struct {
	ListenAddress    string `json:"listen_address"`
	DatabaseURL      string `json:"database_url"`
	RelayName        string `json:"relay_name"`
	RelayDescription string `json:"relay_description"`
	ServerContact    string `json:"server_contact"`

	// Identity used to sign reference events. The secret key is hex; the
	// public key is derived from it and advertised in the info document.
	ServerIdentitySeckey string `json:"server_identity_seckey"`
	ServerIdentityPubkey string `json:"server_identity_pubkey"`

	MaxOutboundQueue  int `json:"max_outbound_queue"`
	DefaultQueryLimit int `json:"default_query_limit"`
	MaxQueryLimit     int `json:"max_query_limit"`

	ClockSkewFutureSeconds         int `json:"clock_skew_future_seconds"`
	SatelliteLivenessSeconds       int `json:"satellite_liveness_seconds"`
	ExpirySweepIntervalSeconds     int `json:"expiry_sweep_interval_seconds"`
	SatelliteForwardTimeoutSeconds int `json:"satellite_forward_timeout_seconds"`
	SatelliteForwardCeilingSeconds int `json:"satellite_forward_ceiling_seconds"`

	Metrics bool `json:"metrics"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		ListenAddress:                  DefaultListenAddress,
		DatabaseURL:                    DefaultDatabaseURL,
		RelayName:                      "HealthNote Relay",
		RelayDescription:               "A specialized relay for health and fitness events with satellite offload",
		MaxOutboundQueue:               DefaultMaxOutboundQueue,
		DefaultQueryLimit:              DefaultQueryLimit,
		MaxQueryLimit:                  DefaultMaxQueryLimit,
		ClockSkewFutureSeconds:         DefaultClockSkewFuture,
		SatelliteLivenessSeconds:       DefaultSatelliteLiveness,
		ExpirySweepIntervalSeconds:     DefaultExpirySweepSeconds,
		SatelliteForwardTimeoutSeconds: DefaultForwardTimeout,
		SatelliteForwardCeilingSeconds: DefaultForwardCeiling,
		Metrics:                        true,
	}
}

// Load reads the config file at path, applies environment overrides, fills
// defaults, and validates. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides config fields from HEALTHNOTE_* environment variables.
func (c *Config) applyEnv() {
	envString("HEALTHNOTE_LISTEN_ADDRESS", &c.ListenAddress)
	envString("HEALTHNOTE_DATABASE_URL", &c.DatabaseURL)
	envString("HEALTHNOTE_RELAY_NAME", &c.RelayName)
	envString("HEALTHNOTE_RELAY_DESCRIPTION", &c.RelayDescription)
	envString("HEALTHNOTE_CONTACT", &c.ServerContact)
	envString("HEALTHNOTE_RELAY_SECKEY", &c.ServerIdentitySeckey)
	envString("HEALTHNOTE_RELAY_PUBKEY", &c.ServerIdentityPubkey)
	envInt("HEALTHNOTE_MAX_OUTBOUND_QUEUE", &c.MaxOutboundQueue)
	envInt("HEALTHNOTE_DEFAULT_QUERY_LIMIT", &c.DefaultQueryLimit)
	envInt("HEALTHNOTE_MAX_QUERY_LIMIT", &c.MaxQueryLimit)
	envInt("HEALTHNOTE_CLOCK_SKEW_FUTURE_SECONDS", &c.ClockSkewFutureSeconds)
	envInt("HEALTHNOTE_SATELLITE_LIVENESS_SECONDS", &c.SatelliteLivenessSeconds)
	envInt("HEALTHNOTE_EXPIRY_SWEEP_INTERVAL_SECONDS", &c.ExpirySweepIntervalSeconds)
	envInt("HEALTHNOTE_FORWARD_TIMEOUT_SECONDS", &c.SatelliteForwardTimeoutSeconds)
	envInt("HEALTHNOTE_FORWARD_CEILING_SECONDS", &c.SatelliteForwardCeilingSeconds)
}

func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen_address is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("database_url is required")
	}
	if c.MaxOutboundQueue <= 0 {
		return fmt.Errorf("max_outbound_queue must be positive, got %d", c.MaxOutboundQueue)
	}
	if c.DefaultQueryLimit <= 0 {
		return fmt.Errorf("default_query_limit must be positive, got %d", c.DefaultQueryLimit)
	}
	if c.MaxQueryLimit <= 0 {
		return fmt.Errorf("max_query_limit must be positive, got %d", c.MaxQueryLimit)
	}
	if c.DefaultQueryLimit > c.MaxQueryLimit {
		return fmt.Errorf("default_query_limit %d exceeds max_query_limit %d",
			c.DefaultQueryLimit, c.MaxQueryLimit)
	}
	if c.ClockSkewFutureSeconds < 0 {
		return fmt.Errorf("clock_skew_future_seconds must be non-negative, got %d", c.ClockSkewFutureSeconds)
	}
	if c.SatelliteLivenessSeconds <= 0 {
		return fmt.Errorf("satellite_liveness_seconds must be positive, got %d", c.SatelliteLivenessSeconds)
	}
	if c.ExpirySweepIntervalSeconds <= 0 {
		return fmt.Errorf("expiry_sweep_interval_seconds must be positive, got %d", c.ExpirySweepIntervalSeconds)
	}
	if c.SatelliteForwardTimeoutSeconds <= 0 {
		return fmt.Errorf("satellite_forward_timeout_seconds must be positive, got %d", c.SatelliteForwardTimeoutSeconds)
	}
	if c.SatelliteForwardCeilingSeconds <= 0 {
		return fmt.Errorf("satellite_forward_ceiling_seconds must be positive, got %d", c.SatelliteForwardCeilingSeconds)
	}
	if err := validateHexKey(c.ServerIdentitySeckey, "server_identity_seckey"); err != nil {
		return err
	}
	if err := validateHexKey(c.ServerIdentityPubkey, "server_identity_pubkey"); err != nil {
		return err
	}
	return nil
}

func validateHexKey(key, field string) error {
	if key == "" {
		return nil
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("%s is not valid hex: %w", field, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%s must be 32 bytes, got %d", field, len(raw))
	}
	return nil
}
