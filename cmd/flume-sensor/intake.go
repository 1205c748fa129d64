// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flume-telemetry/flume/lib/chunk"
	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/codec"
	"github.com/flume-telemetry/flume/lib/service"
	"github.com/flume-telemetry/flume/lib/version"
)

// Intake accepts event payloads from local producers over the
// sensor's unix socket and turns them into durable queued chunks.
// Producers get their assigned sequences back, so a producer that
// cares can watch the committed position to confirm delivery.
type Intake struct {
	sensorID    string
	queue       *DurableQueue
	dispatcher  *Dispatcher
	control     *ControlChannel
	chunkSize   int
	compression string
	clock       clock.Clock
	startedAt   time.Time
	logger      *slog.Logger

	eventsAccepted atomic.Uint64
	chunksQueued   atomic.Uint64
}

// IntakeConfig holds the parameters for creating the intake.
type IntakeConfig struct {
	SensorID    string
	Queue       *DurableQueue
	Dispatcher  *Dispatcher
	Control     *ControlChannel
	ChunkSize   int
	Compression string
	Clock       clock.Clock
	Logger      *slog.Logger
}

// NewIntake creates the intake.
func NewIntake(cfg IntakeConfig) *Intake {
	return &Intake{
		sensorID:    cfg.SensorID,
		queue:       cfg.Queue,
		dispatcher:  cfg.Dispatcher,
		control:     cfg.Control,
		chunkSize:   cfg.ChunkSize,
		compression: cfg.Compression,
		clock:       cfg.Clock,
		startedAt:   cfg.Clock.Now(),
		logger:      cfg.Logger,
	}
}

// registerActions wires the intake's actions onto the local socket
// server. The socket lives inside the sensor's state directory with
// filesystem permissions as the trust boundary, matching how local
// producers are deployed alongside the agent.
func (in *Intake) registerActions(server *service.SocketServer) {
	server.Handle("enqueue-event", in.handleEnqueue)
	server.Handle("status", in.handleStatus)
}

// enqueueRequest is the body of an enqueue-event call.
type enqueueRequest struct {
	// Payload is the event's serialized measurement. May be empty; an
	// empty event still commits a sequence.
	Payload []byte `cbor:"payload"`

	// EventID is optional; a random ID is assigned when absent.
	EventID string `cbor:"event_id,omitempty"`

	// TimestampMS is the measurement time. Defaults to now.
	TimestampMS int64 `cbor:"timestamp_ms,omitempty"`

	Attributes map[string]string `cbor:"attributes,omitempty"`
}

// enqueueResponse reports the durable identity the event acquired.
type enqueueResponse struct {
	EventID       string `cbor:"event_id"`
	ChunkCount    int    `cbor:"chunk_count"`
	FirstSequence int64  `cbor:"first_sequence"`
	LastSequence  int64  `cbor:"last_sequence"`
	QueueDepth    int64  `cbor:"queue_depth"`
}

func (in *Intake) handleEnqueue(ctx context.Context, raw []byte) (any, error) {
	var request enqueueRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding enqueue request: %w", err)
	}

	eventID := request.EventID
	if eventID == "" {
		eventID = chunk.RandomEventID()
	}
	timestampMS := request.TimestampMS
	if timestampMS == 0 {
		timestampMS = in.clock.Now().UnixMilli()
	}

	chunks, err := chunk.Split(request.Payload, eventID, chunk.Options{
		ChunkSize:   in.chunkSize,
		Compression: in.compression,
		TimestampMS: timestampMS,
		ClockSkewMS: in.control.ClockSkewMS(),
		Attributes:  request.Attributes,
	})
	if err != nil {
		return nil, fmt.Errorf("splitting event %s: %w", eventID, err)
	}

	sequences, err := in.queue.Enqueue(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("enqueueing event %s: %w", eventID, err)
	}

	in.eventsAccepted.Add(1)
	in.chunksQueued.Add(uint64(len(sequences)))

	depth, err := in.queue.Depth(ctx)
	if err != nil {
		depth = -1
	}

	in.logger.Debug("event enqueued",
		"event_id", eventID,
		"chunks", len(sequences),
		"payload_bytes", len(request.Payload),
	)

	return enqueueResponse{
		EventID:       eventID,
		ChunkCount:    len(sequences),
		FirstSequence: sequences[0],
		LastSequence:  sequences[len(sequences)-1],
		QueueDepth:    depth,
	}, nil
}

// statusResponse is the body of a status reply.
type statusResponse struct {
	SensorID      string  `cbor:"sensor_id"`
	Version       string  `cbor:"version"`
	UptimeSeconds int64   `cbor:"uptime_seconds"`
	QueueDepth    int64   `cbor:"queue_depth"`
	OldestAgeMS   int64   `cbor:"oldest_age_ms"`
	LastCommitted int64   `cbor:"last_committed_sequence"`
	InFlight      int     `cbor:"in_flight_chunks"`
	ClockSkewMS   float64 `cbor:"clock_skew_ms"`

	EventsAccepted uint64 `cbor:"events_accepted"`
	ChunksQueued   uint64 `cbor:"chunks_queued"`
}

func (in *Intake) handleStatus(ctx context.Context, raw []byte) (any, error) {
	depth, err := in.queue.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading queue depth: %w", err)
	}
	oldestAge, err := in.queue.OldestAge(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading oldest age: %w", err)
	}

	return statusResponse{
		SensorID:       in.sensorID,
		Version:        version.Info(),
		UptimeSeconds:  int64(in.clock.Now().Sub(in.startedAt).Seconds()),
		QueueDepth:     depth,
		OldestAgeMS:    oldestAge.Milliseconds(),
		LastCommitted:  in.dispatcher.LastCommitted(),
		InFlight:       in.dispatcher.InFlight(),
		ClockSkewMS:    in.control.ClockSkewMS(),
		EventsAccepted: in.eventsAccepted.Load(),
		ChunksQueued:   in.chunksQueued.Load(),
	}, nil
}
