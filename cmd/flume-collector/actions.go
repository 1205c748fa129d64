// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/flume-telemetry/flume/lib/codec"
	"github.com/flume-telemetry/flume/lib/netutil"
	"github.com/flume-telemetry/flume/lib/sensortoken"
	"github.com/flume-telemetry/flume/lib/service"
	"github.com/flume-telemetry/flume/lib/version"
	"github.com/flume-telemetry/flume/lib/wire"
)

// registerActions wires every collector action onto the socket
// server. The control and data channels and the read-side actions all
// share one listener; only status is unauthenticated.
func (c *Collector) registerActions(server *service.SocketServer) {
	server.HandleAuthStream("control", c.sessions.HandleControl)
	server.HandleAuth("ingest-batch", c.ingestor.HandleBatch)
	server.HandleAuth("snapshot", c.handleSnapshot)
	server.HandleAuthStream("watch", c.handleWatch)
	server.HandleAuth("request-sensor", c.handleRequestSensor)
	server.Handle("status", c.handleStatus)
}

type snapshotRequest struct {
	// SensorID selects one sensor's snapshot. Empty requests all.
	SensorID string `cbor:"sensor_id"`
}

type snapshotResponse struct {
	Snapshots []wire.Snapshot `cbor:"snapshots"`
}

// handleSnapshot serves the latest complete event per sensor from the
// in-memory cache.
func (c *Collector) handleSnapshot(ctx context.Context, token *sensortoken.Token, raw []byte) (any, error) {
	var request snapshotRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("malformed snapshot request: %w", err)
	}
	if !sensortoken.GrantsAllow(token.Grants, sensortoken.ActionSnapshot, request.SensorID) {
		return nil, errors.New("token does not grant snapshot access")
	}

	if request.SensorID != "" {
		snapshot, ok := c.snapshots.Get(request.SensorID)
		if !ok {
			return nil, fmt.Errorf("no snapshot for sensor %q", request.SensorID)
		}
		return snapshotResponse{Snapshots: []wire.Snapshot{snapshot}}, nil
	}
	return snapshotResponse{Snapshots: c.snapshots.All()}, nil
}

// handleWatch is the stream handler for the watch action: a
// snapshot_batch of current state on connect, then one snapshot frame
// per completed event, with heartbeat frames so consumers can detect
// a dead stream.
func (c *Collector) handleWatch(ctx context.Context, token *sensortoken.Token, raw []byte, conn net.Conn) {
	if !sensortoken.GrantsAllow(token.Grants, sensortoken.ActionWatch, "") {
		writeStreamReject(conn, "token does not grant watch access")
		return
	}

	encoder := codec.NewEncoder(conn)
	if err := encoder.Encode(service.StreamAck{OK: true}); err != nil {
		return
	}

	frames, cancel := c.hub.Subscribe()
	defer cancel()
	c.logger.Info("watch subscriber connected", "subject", token.Subject)
	defer c.logger.Info("watch subscriber disconnected", "subject", token.Subject)

	// Subscribe before snapshotting so no publish falls between the
	// batch and the live frames. A snapshot that lands in both is
	// harmless: frames carry full state.
	batch := wire.StreamFrame{
		Type:      wire.FrameSnapshotBatch,
		Snapshots: c.snapshots.All(),
		SentAtMS:  c.clock.Now().UnixMilli(),
	}
	if err := encoder.Encode(batch); err != nil {
		return
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	heartbeat := c.clock.NewTicker(c.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		var frame wire.StreamFrame
		select {
		case <-ctx.Done():
			return
		case frame = <-frames:
		case <-heartbeat.C:
			frame = wire.StreamFrame{
				Type:     wire.FrameHeartbeat,
				SentAtMS: c.clock.Now().UnixMilli(),
			}
		}
		if err := encoder.Encode(frame); err != nil {
			if !netutil.IsExpectedCloseError(err) && ctx.Err() == nil {
				c.logger.Warn("watch stream write failed",
					"subject", token.Subject, "error", err)
			}
			return
		}
	}
}

type requestSensorRequest struct {
	SensorID string `cbor:"sensor_id"`
}

type requestSensorResponse struct {
	WindowID      string `cbor:"window_id"`
	SinceSequence int64  `cbor:"since_sequence"`
	MaxChunks     int    `cbor:"max_chunks"`
	MaxBytes      int    `cbor:"max_bytes"`
}

// handleRequestSensor lets an operator force a chunk request instead
// of waiting for the next heartbeat.
func (c *Collector) handleRequestSensor(ctx context.Context, token *sensortoken.Token, raw []byte) (any, error) {
	var request requestSensorRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if request.SensorID == "" {
		return nil, errors.New("missing sensor_id")
	}
	if !sensortoken.GrantsAllow(token.Grants, sensortoken.ActionRequest, request.SensorID) {
		return nil, errors.New("token does not grant request access")
	}

	chunkRequest, err := c.scheduler.RequestSensor(request.SensorID)
	if err != nil {
		return nil, err
	}
	return requestSensorResponse{
		WindowID:      chunkRequest.WindowID,
		SinceSequence: chunkRequest.SinceSequence,
		MaxChunks:     chunkRequest.MaxChunks,
		MaxBytes:      chunkRequest.MaxBytes,
	}, nil
}

type statusResponse struct {
	Version          string           `cbor:"version"`
	UptimeSeconds    int64            `cbor:"uptime_seconds"`
	Batches          uint64           `cbor:"batches"`
	ChunksAccepted   uint64           `cbor:"chunks_accepted"`
	ChunksDuplicate  uint64           `cbor:"chunks_duplicate"`
	IntegrityErrors  uint64           `cbor:"integrity_errors"`
	Committed        map[string]int64 `cbor:"committed"`
	Sessions         []SessionInfo    `cbor:"sessions"`
	WatchSubscribers int              `cbor:"watch_subscribers"`
	CachedSnapshots  int              `cbor:"cached_snapshots"`
	Store            StoreStats       `cbor:"store"`
}

func (c *Collector) handleStatus(ctx context.Context, raw []byte) (any, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return statusResponse{
		Version:          version.Info(),
		UptimeSeconds:    int64(c.clock.Now().Sub(c.startedAt).Seconds()),
		Batches:          c.ingestor.batches.Load(),
		ChunksAccepted:   c.ingestor.accepted.Load(),
		ChunksDuplicate:  c.ingestor.duplicates.Load(),
		IntegrityErrors:  c.ingestor.integrityErrors.Load(),
		Committed:        c.offsets.Committed(),
		Sessions:         c.sessions.Sessions(),
		WatchSubscribers: c.hub.Subscribers(),
		CachedSnapshots:  c.snapshots.Len(),
		Store:            stats,
	}, nil
}
