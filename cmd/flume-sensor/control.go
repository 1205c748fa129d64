// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flume-telemetry/flume/lib/backoff"
	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/codec"
	"github.com/flume-telemetry/flume/lib/netutil"
	"github.com/flume-telemetry/flume/lib/service"
	"github.com/flume-telemetry/flume/lib/version"
	"github.com/flume-telemetry/flume/lib/wire"
)

// errFatalControl marks control stream failures that no amount of
// reconnecting will fix (revoked credentials, unknown sensor). The
// reconnect loop stops and surfaces the error to the operator.
var errFatalControl = errors.New("fatal control channel error")

// CollectorClient is the sensor's data channel: one authenticated
// request/response call per batch.
type CollectorClient struct {
	client *service.ServiceClient
}

// SendBatch ships one window's worth of chunks via the ingest-batch
// action and returns the collector's per-chunk outcomes.
func (c *CollectorClient) SendBatch(ctx context.Context, batch wire.BatchRequest) (wire.BatchResponse, error) {
	var response wire.BatchResponse
	err := c.client.Call(ctx, "ingest-batch", map[string]any{
		"sensor_id": batch.SensorID,
		"window_id": batch.WindowID,
		"chunks":    batch.Chunks,
	}, &response)
	if err != nil {
		return wire.BatchResponse{}, err
	}
	return response, nil
}

// ControlChannel maintains the sensor's persistent control stream to
// the collector: heartbeats out, chunk requests and acks in. The
// connection is sensor-initiated and re-established forever with
// jittered exponential backoff; only fatal protocol errors stop the
// loop.
type ControlChannel struct {
	sensorID          string
	client            *service.ServiceClient
	dispatcher        *Dispatcher
	queue             *DurableQueue
	heartbeatInterval time.Duration
	clock             clock.Clock
	logger            *slog.Logger

	// skewMu guards clockSkewMS, an exponentially smoothed estimate
	// of the sensor's clock offset versus the collector, derived from
	// envelope timestamps.
	skewMu      sync.Mutex
	clockSkewMS float64
}

// ControlConfig holds the parameters for creating a control channel.
type ControlConfig struct {
	SensorID          string
	Client            *service.ServiceClient
	Dispatcher        *Dispatcher
	Queue             *DurableQueue
	HeartbeatInterval time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger
}

// NewControlChannel creates the control channel. Call Run to connect.
func NewControlChannel(cfg ControlConfig) *ControlChannel {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ControlChannel{
		sensorID:          cfg.SensorID,
		client:            cfg.Client,
		dispatcher:        cfg.Dispatcher,
		queue:             cfg.Queue,
		heartbeatInterval: interval,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
	}
}

// ClockSkewMS returns the current clock skew estimate.
func (c *ControlChannel) ClockSkewMS() float64 {
	c.skewMu.Lock()
	defer c.skewMu.Unlock()
	return c.clockSkewMS
}

// Run connects to the collector and services the control stream,
// reconnecting on transport failure until ctx is cancelled or a fatal
// error occurs.
func (c *ControlChannel) Run(ctx context.Context) error {
	retry := backoff.New(backoff.Default)

	for {
		sessionStart := c.clock.Now()
		err := c.runSession(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errFatalControl) {
			return err
		}

		// A session that survived a while earns a fresh backoff
		// schedule; rapid-fire failures keep escalating.
		if c.clock.Now().Sub(sessionStart) > time.Minute {
			retry.Reset()
		}

		delay := retry.Next()
		c.logger.Warn("control stream down, reconnecting",
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// runSession runs one control stream connection to completion.
func (c *ControlChannel) runSession(ctx context.Context) error {
	conn, err := c.client.Stream(ctx, "control", map[string]any{
		"sensor_id": c.sensorID,
	})
	if err != nil {
		return fmt.Errorf("opening control stream: %w", err)
	}
	defer conn.Close()

	// Unblock reads when the context is cancelled.
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	decoder := codec.NewDecoder(conn)

	var ack service.StreamAck
	if err := decoder.Decode(&ack); err != nil {
		return fmt.Errorf("reading stream ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("%w: %s", errFatalControl, ack.Error)
	}

	c.logger.Info("control stream established")

	writer := &envelopeWriter{conn: conn, encoder: codec.NewEncoder(conn)}

	// Session-scoped context so the heartbeat loop and in-flight
	// request handlers stop when the stream dies.
	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	var handlers sync.WaitGroup
	defer handlers.Wait()

	handlers.Add(1)
	go func() {
		defer handlers.Done()
		c.heartbeatLoop(sessionCtx, writer)
	}()

	for {
		var envelope wire.Envelope
		if err := decoder.Decode(&envelope); err != nil {
			if netutil.IsExpectedCloseError(err) {
				return fmt.Errorf("control stream closed: %w", err)
			}
			return fmt.Errorf("reading control envelope: %w", err)
		}

		c.observeSkew(envelope.SentAtMS)

		body, err := envelope.DecodeBody()
		if err != nil {
			c.logger.Debug("skipping control frame", "body_type", envelope.BodyType, "error", err)
			continue
		}

		switch body := body.(type) {
		case wire.ChunkRequest:
			// Shipping a window can take a while; keep reading acks
			// and requests while it runs.
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				if err := c.dispatcher.HandleRequest(sessionCtx, body); err != nil {
					c.logger.Error("chunk request failed",
						"window_id", body.WindowID,
						"error", err,
					)
				}
			}()

		case wire.ChunkAck:
			if err := c.dispatcher.HandleAck(sessionCtx, body); err != nil {
				c.logger.Error("applying ack failed", "window_id", body.WindowID, "error", err)
				continue
			}
			// Confirm the committed position back to the collector.
			confirmation := wire.ChunkAck{
				WindowID:              body.WindowID,
				CommittedUpToSequence: c.dispatcher.LastCommitted(),
			}
			if err := c.writeEnvelope(writer, confirmation); err != nil {
				return fmt.Errorf("writing ack confirmation: %w", err)
			}

		case wire.ErrorFrame:
			if body.Fatal {
				return fmt.Errorf("%w: %s: %s", errFatalControl, body.Code, body.Message)
			}
			c.logger.Warn("collector reported error", "code", body.Code, "message", body.Message)

		case wire.Heartbeat:
			// Collectors do not send heartbeats today; tolerated for
			// schema growth.
		}
	}
}

// heartbeatLoop sends a heartbeat immediately and then on the
// configured interval until the session ends.
func (c *ControlChannel) heartbeatLoop(ctx context.Context, writer *envelopeWriter) {
	ticker := c.clock.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		if err := c.sendHeartbeat(ctx, writer); err != nil {
			c.logger.Debug("heartbeat failed", "error", err)
			writer.conn.Close()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *ControlChannel) sendHeartbeat(ctx context.Context, writer *envelopeWriter) error {
	depth, err := c.queue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("reading queue depth: %w", err)
	}
	heartbeat := wire.Heartbeat{
		SoftwareVersion:       version.Short(),
		LastCommittedSequence: c.dispatcher.LastCommitted(),
		QueueDepth:            depth,
		ClockSkewMS:           c.ClockSkewMS(),
	}
	return c.writeEnvelope(writer, heartbeat)
}

func (c *ControlChannel) writeEnvelope(writer *envelopeWriter, body any) error {
	envelope, err := wire.NewEnvelope(c.sensorID, body, c.clock.Now())
	if err != nil {
		return err
	}
	return writer.write(envelope)
}

// observeSkew folds one envelope timestamp into the smoothed skew
// estimate. Positive skew means the collector's clock is ahead.
func (c *ControlChannel) observeSkew(sentAtMS int64) {
	if sentAtMS == 0 {
		return
	}
	sample := float64(sentAtMS - c.clock.Now().UnixMilli())

	c.skewMu.Lock()
	defer c.skewMu.Unlock()
	if c.clockSkewMS == 0 {
		c.clockSkewMS = sample
		return
	}
	c.clockSkewMS = 0.8*c.clockSkewMS + 0.2*sample
}

// envelopeWriter serializes envelope writes from the heartbeat loop
// and the read loop's ack confirmations.
type envelopeWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	encoder *codec.Encoder
}

func (w *envelopeWriter) write(envelope wire.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(envelope)
}
