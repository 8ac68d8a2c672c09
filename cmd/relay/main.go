// Package main is the HealthNote Relay entry point: a publish-subscribe
// relay for signed health and fitness events with satellite offload for
// private data.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/HealthNoteLabs/HealthNote-Relay/config"
	"github.com/HealthNoteLabs/HealthNote-Relay/event"
	"github.com/HealthNoteLabs/HealthNote-Relay/gateway"
	"github.com/HealthNoteLabs/HealthNote-Relay/metric"
	"github.com/HealthNoteLabs/HealthNote-Relay/natsclient"
	"github.com/HealthNoteLabs/HealthNote-Relay/relay"
	"github.com/HealthNoteLabs/HealthNote-Relay/satellite"
	"github.com/HealthNoteLabs/HealthNote-Relay/store"
	"github.com/HealthNoteLabs/HealthNote-Relay/subscribe"
)

const (
	Version = "0.2.0"
	appName = "healthnote-relay"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	slog.Info("starting HealthNote Relay",
		"version", Version,
		"listen", cfg.ListenAddress,
		"database", cfg.DatabaseURL)

	identity, err := loadIdentity(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	natsClient, err := connectNATS(ctx, cfg)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	var metricsRegistry *metric.MetricsRegistry
	if cfg.Metrics {
		metricsRegistry = metric.NewMetricsRegistry()
	}

	st, err := store.New(ctx, natsClient, metricsRegistry)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if cliCfg.RebuildIndexes {
		slog.Info("rebuilding secondary indexes from primaries")
		if err := st.RebuildIndexes(ctx); err != nil {
			return fmt.Errorf("rebuild indexes: %w", err)
		}
	}

	satellites, err := setupSatellites(ctx, natsClient, cfg)
	if err != nil {
		return err
	}

	forwarder := satellite.NewForwarder(
		time.Duration(cfg.SatelliteForwardTimeoutSeconds)*time.Second,
		time.Duration(cfg.SatelliteForwardCeilingSeconds)*time.Second,
		metricsRegistry,
	)
	defer forwarder.Stop()

	subs := subscribe.NewRegistry(metricsRegistry)
	validator := event.NewValidator(time.Duration(cfg.ClockSkewFutureSeconds) * time.Second)
	pipeline := relay.New(validator, st, satellites, forwarder, subs, identity, metricsRegistry)

	engine := store.NewEngine(st, store.Limits{
		Default: cfg.DefaultQueryLimit,
		Max:     cfg.MaxQueryLimit,
	}, metricsRegistry)

	sweeper := relay.NewSweeper(st, time.Duration(cfg.ExpirySweepIntervalSeconds)*time.Second)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := gateway.NewServer(gateway.Config{
		ListenAddress:  cfg.ListenAddress,
		QueueSize:      cfg.MaxOutboundQueue,
		Name:           cfg.RelayName,
		Description:    cfg.RelayDescription,
		IdentityPubkey: identity.PubKey(),
		Contact:        cfg.ServerContact,
		DefaultLimit:   cfg.DefaultQueryLimit,
		MaxLimit:       cfg.MaxQueryLimit,
		ServeMetrics:   cfg.Metrics,
	}, pipeline, engine, subs, satellites, metricsRegistry)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	return waitForShutdown(server, cliCfg.ShutdownTimeout)
}

// loadIdentity resolves the relay signing identity from config; without
// a configured secret key an ephemeral identity is generated, meaning
// reference events do not survive restarts verifiably.
func loadIdentity(cfg *config.Config) (*event.Identity, error) {
	if cfg.ServerIdentitySeckey == "" {
		identity, err := event.GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
		slog.Warn("no server_identity_seckey configured; using ephemeral identity",
			"pubkey", identity.PubKey())
		return identity, nil
	}

	identity, err := event.NewIdentity(cfg.ServerIdentitySeckey)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if cfg.ServerIdentityPubkey != "" && cfg.ServerIdentityPubkey != identity.PubKey() {
		return nil, fmt.Errorf("server_identity_pubkey %s does not match derived pubkey %s",
			cfg.ServerIdentityPubkey, identity.PubKey())
	}
	return identity, nil
}

func connectNATS(ctx context.Context, cfg *config.Config) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cfg.DatabaseURL, natsclient.WithName(appName))
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// setupSatellites opens the node bucket and repopulates the registry
// before any private event can be routed.
func setupSatellites(ctx context.Context, client *natsclient.Client, cfg *config.Config) (*satellite.Registry, error) {
	bucket, err := client.EnsureBucket(ctx, bucketConfig(satellite.BucketNodes))
	if err != nil {
		return nil, fmt.Errorf("ensure satellite bucket: %w", err)
	}

	registry := satellite.NewRegistry(bucket, time.Duration(cfg.SatelliteLivenessSeconds)*time.Second)
	if err := registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("load satellite registry: %w", err)
	}
	return registry, nil
}

func bucketConfig(name string) jetstream.KeyValueConfig {
	return jetstream.KeyValueConfig{Bucket: name, Storage: jetstream.FileStorage}
}

func waitForShutdown(server *gateway.Server, timeout time.Duration) error {
	signalCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	if err := server.Stop(timeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("relay shutdown complete")
	return nil
}
