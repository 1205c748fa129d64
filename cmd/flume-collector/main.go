// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/config"
	"github.com/flume-telemetry/flume/lib/sensortoken"
	"github.com/flume-telemetry/flume/lib/service"
	"github.com/flume-telemetry/flume/lib/version"
)

// Collector owns every component of the collector process: durable
// chunk storage, committed-offset tracking, the live control sessions,
// the request scheduler, the snapshot cache, and the watch hub.
type Collector struct {
	store     *ChunkStore
	offsets   *OffsetTracker
	sessions  *SessionRegistry
	scheduler *RequestScheduler
	snapshots *SnapshotCache
	hub       *WatchHub
	ingestor  *Ingestor

	heartbeatInterval time.Duration
	clock             clock.Clock
	logger            *slog.Logger
	startedAt         time.Time
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "", "path to flume.yaml (overrides FLUME_CONFIG)")
	showVersion := pflag.Bool("version", false, "print version and exit")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("flume-collector %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.ValidateCollector(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureStateDirs(); err != nil {
		return err
	}

	logger := newLogger(*logLevel)
	systemClock := clock.Real()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, err := buildCollector(ctx, cfg, systemClock, logger)
	if err != nil {
		return err
	}
	defer collector.store.Close()

	publicKey, err := sensortoken.LoadPublicKey(cfg.Collector.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("loading token verification key: %w", err)
	}
	revocations := sensortoken.NewRevocations()
	for _, tokenID := range cfg.Collector.RevokedTokenIDs {
		// Config-revoked tokens have no known expiry; keep them
		// revoked for the life of the process.
		revocations.Revoke(tokenID, systemClock.Now().Add(100*365*24*time.Hour))
	}

	server := service.NewSocketServer(
		cfg.Collector.ListenNetwork,
		cfg.Collector.ListenAddr,
		logger,
		&service.AuthConfig{
			PublicKey:   publicKey,
			Audience:    sensortoken.AudiencePipeline,
			Revocations: revocations,
			Clock:       systemClock,
		},
	)
	collector.registerActions(server)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Serve(ctx)
	}()

	retention := config.Duration(cfg.Collector.Retention, 72*time.Hour)
	go collector.runRetentionLoop(ctx, retention)

	logger.Info("collector running",
		"listen", cfg.Collector.ListenAddr,
		"sensors", len(cfg.Collector.AuthorizedSensors),
		"retention", retention,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	if err := <-serverDone; err != nil {
		logger.Error("socket server error", "error", err)
	}
	return nil
}

// buildCollector opens storage and wires the component graph.
func buildCollector(ctx context.Context, cfg *config.Config, systemClock clock.Clock, logger *slog.Logger) (*Collector, error) {
	store, err := OpenStore(StoreConfig{
		Path:   filepath.Join(cfg.Collector.StateDir, "collector.db"),
		Clock:  systemClock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	offsets, err := NewOffsetTracker(ctx, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	sessions := NewSessionRegistry(cfg.Collector.AuthorizedSensors, systemClock, logger)
	scheduler := NewRequestScheduler(sessions, offsets, cfg.Collector.Scheduler, systemClock, logger)
	sessions.SetObserver(scheduler)

	snapshots := NewSnapshotCache()
	hub := NewWatchHub(logger)
	ingestor := NewIngestor(store, offsets, sessions, scheduler, snapshots, hub, systemClock, logger)

	return &Collector{
		store:             store,
		offsets:           offsets,
		sessions:          sessions,
		scheduler:         scheduler,
		snapshots:         snapshots,
		hub:               hub,
		ingestor:          ingestor,
		heartbeatInterval: config.Duration(cfg.Collector.HeartbeatInterval, 10*time.Second),
		clock:             systemClock,
		logger:            logger,
		startedAt:         systemClock.Now(),
	}, nil
}

// runRetentionLoop prunes delivered, expired events once an hour.
// Events above a sensor's committed position are never pruned, so
// retention cannot open a hole in an undelivered run.
func (c *Collector) runRetentionLoop(ctx context.Context, retention time.Duration) {
	ticker := c.clock.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, err := c.store.PruneCompleted(ctx, retention, c.offsets.SinceSequence)
		if err != nil {
			c.logger.Error("retention pruning failed", "error", err)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
