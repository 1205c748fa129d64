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
	"github.com/flume-telemetry/flume/lib/service"
	"github.com/flume-telemetry/flume/lib/version"
)

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
		fmt.Printf("flume-sensor %s\n", version.Info())
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
	if err := cfg.ValidateSensor(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureStateDirs(); err != nil {
		return err
	}

	logger := newLogger(*logLevel)
	systemClock := clock.Real()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := OpenQueue(QueueConfig{
		Path:   filepath.Join(cfg.Sensor.StateDir, "queue.db"),
		Clock:  systemClock,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer queue.Close()

	client, err := service.NewServiceClient(
		cfg.Sensor.CollectorNetwork,
		cfg.Sensor.CollectorAddr,
		cfg.Sensor.TokenPath,
	)
	if err != nil {
		return fmt.Errorf("creating collector client: %w", err)
	}

	dispatcher := NewDispatcher(DispatcherConfig{
		SensorID:    cfg.Sensor.ID,
		Queue:       queue,
		Sender:      &CollectorClient{client: client},
		AckTimeout:  config.Duration(cfg.Sensor.AckTimeout, 60*time.Second),
		MaxAttempts: cfg.Sensor.MaxSendAttempts,
		Clock:       systemClock,
		Logger:      logger,
	})

	control := NewControlChannel(ControlConfig{
		SensorID:          cfg.Sensor.ID,
		Client:            client,
		Dispatcher:        dispatcher,
		Queue:             queue,
		HeartbeatInterval: config.Duration(cfg.Sensor.HeartbeatInterval, 10*time.Second),
		Clock:             systemClock,
		Logger:            logger,
	})

	intake := NewIntake(IntakeConfig{
		SensorID:    cfg.Sensor.ID,
		Queue:       queue,
		Dispatcher:  dispatcher,
		Control:     control,
		ChunkSize:   cfg.Sensor.ChunkSize,
		Compression: cfg.Sensor.Compression,
		Clock:       systemClock,
		Logger:      logger,
	})

	socketPath := filepath.Join(cfg.Sensor.StateDir, "sensor.sock")
	socketServer := service.NewSocketServer("unix", socketPath, logger, nil)
	intake.registerActions(socketServer)

	socketDone := make(chan error, 1)
	go func() {
		socketDone <- socketServer.Serve(ctx)
	}()

	controlDone := make(chan error, 1)
	go func() {
		controlDone <- control.Run(ctx)
	}()

	retention := config.Duration(cfg.Sensor.Retention, 72*time.Hour)
	go runRetentionLoop(ctx, queue, retention, systemClock, logger)

	logger.Info("sensor running",
		"sensor_id", cfg.Sensor.ID,
		"collector", cfg.Sensor.CollectorAddr,
		"socket", socketPath,
		"chunk_size", cfg.Sensor.ChunkSize,
		"compression", cfg.Sensor.Compression,
		"retention", retention,
	)

	select {
	case <-ctx.Done():
	case err := <-controlDone:
		// Fatal control errors (revoked credentials) stop the agent;
		// everything else reconnects inside Run.
		if err != nil && ctx.Err() == nil {
			stop()
			<-socketDone
			return err
		}
	}

	logger.Info("shutting down")
	if err := <-socketDone; err != nil {
		logger.Error("socket server error", "error", err)
	}
	return nil
}

// runRetentionLoop expires undelivered chunks past the retention
// window once an hour.
func runRetentionLoop(ctx context.Context, queue *DurableQueue, retention time.Duration, systemClock clock.Clock, logger *slog.Logger) {
	ticker := systemClock.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := queue.ExpireOlderThan(ctx, retention); err != nil {
			logger.Error("retention expiry failed", "error", err)
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
