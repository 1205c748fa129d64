// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/flume-telemetry/flume/lib/chunk"
	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/codec"
	"github.com/flume-telemetry/flume/lib/sensortoken"
	"github.com/flume-telemetry/flume/lib/wire"
)

// Ingestor handles the data channel: ingest-batch calls carrying a
// window's worth of chunks. Each chunk is written to the store
// individually so one bad chunk never poisons its batch; completed
// events are published to the snapshot cache and the watch hub, and
// the resulting committed position is acked back over the sensor's
// control session.
type Ingestor struct {
	store     *ChunkStore
	offsets   *OffsetTracker
	sessions  *SessionRegistry
	scheduler *RequestScheduler
	snapshots *SnapshotCache
	hub       *WatchHub
	clock     clock.Clock
	logger    *slog.Logger

	batches         atomic.Uint64
	accepted        atomic.Uint64
	duplicates      atomic.Uint64
	integrityErrors atomic.Uint64
}

// NewIngestor wires the ingest path.
func NewIngestor(store *ChunkStore, offsets *OffsetTracker, sessions *SessionRegistry, scheduler *RequestScheduler, snapshots *SnapshotCache, hub *WatchHub, clk clock.Clock, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:     store,
		offsets:   offsets,
		sessions:  sessions,
		scheduler: scheduler,
		snapshots: snapshots,
		hub:       hub,
		clock:     clk,
		logger:    logger,
	}
}

// HandleBatch is the authenticated handler for the ingest-batch
// action.
func (g *Ingestor) HandleBatch(ctx context.Context, token *sensortoken.Token, raw []byte) (any, error) {
	var batch wire.BatchRequest
	if err := codec.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("malformed batch request: %w", err)
	}

	if batch.SensorID == "" {
		return nil, errors.New("missing sensor_id")
	}
	if token.Subject != batch.SensorID {
		return nil, fmt.Errorf("token subject %q does not match sensor %q", token.Subject, batch.SensorID)
	}
	if !sensortoken.GrantsAllow(token.Grants, sensortoken.ActionIngest, batch.SensorID) {
		return nil, errors.New("token does not grant ingest access")
	}
	if !g.sessions.Authorized(batch.SensorID) {
		return nil, fmt.Errorf("sensor %q is not authorized", batch.SensorID)
	}

	g.batches.Add(1)
	response := wire.BatchResponse{}
	var completedEvents []*CompletedEvent

	for i := range batch.Chunks {
		dataChunk := &batch.Chunks[i]
		if dataChunk.SensorID != batch.SensorID {
			response.Errors = append(response.Errors, wire.ChunkError{
				Sequence: dataChunk.Sequence,
				Reason:   fmt.Sprintf("chunk sensor %q does not match batch sensor %q", dataChunk.SensorID, batch.SensorID),
			})
			continue
		}
		status, completed, err := g.store.Write(ctx, dataChunk)
		switch status {
		case WriteAccepted:
			response.Accepted++
			if completed != nil {
				completedEvents = append(completedEvents, completed)
			}
		case WriteDuplicate:
			response.Duplicates++
		case WriteRejected:
			var integrityErr *chunk.IntegrityError
			if errors.As(err, &integrityErr) {
				g.integrityErrors.Add(1)
				g.logger.Error("chunk rejected",
					"sensor", batch.SensorID,
					"sequence", dataChunk.Sequence,
					"event", dataChunk.EventID,
					"reason", integrityErr.Reason)
				response.Errors = append(response.Errors, wire.ChunkError{
					Sequence: dataChunk.Sequence,
					Reason:   integrityErr.Reason,
				})
				continue
			}
			// Infrastructure failure, not a bad chunk: fail the call
			// so the sensor retries the whole window.
			return nil, fmt.Errorf("storing chunk %d: %w", dataChunk.Sequence, err)
		}
	}
	g.accepted.Add(uint64(response.Accepted))
	g.duplicates.Add(uint64(response.Duplicates))

	committed, err := g.offsets.Advance(ctx, batch.SensorID)
	if err != nil {
		return nil, fmt.Errorf("advancing committed offset: %w", err)
	}
	response.CommittedSequence = committed

	g.scheduler.WindowProgress(batch.SensorID, batch.WindowID)
	g.publishCompleted(completedEvents)
	g.ackOverControl(batch.SensorID, batch.WindowID, committed)

	g.logger.Info("batch ingested",
		"sensor", batch.SensorID,
		"window", batch.WindowID,
		"accepted", response.Accepted,
		"duplicates", response.Duplicates,
		"errors", len(response.Errors),
		"committed", committed)
	return response, nil
}

// publishCompleted updates the snapshot cache and fans the new
// snapshots out to watch subscribers.
func (g *Ingestor) publishCompleted(events []*CompletedEvent) {
	for _, event := range events {
		snapshot := wire.Snapshot{
			SensorID:    event.SensorID,
			EventID:     event.EventID,
			TimestampMS: event.TimestampMS,
			UpdatedAtMS: g.clock.Now().UnixMilli(),
			Payload:     event.Payload,
			Attributes:  event.Attributes,
		}
		g.snapshots.Publish(snapshot)
		g.hub.Publish(wire.StreamFrame{
			Type:     wire.FrameSnapshot,
			Snapshot: &snapshot,
			SentAtMS: snapshot.UpdatedAtMS,
		})
	}
}

// ackOverControl sends the committed position on the sensor's control
// session. Best effort: the batch response already carries the same
// position, the control ack just lets the sensor prune without
// waiting for its next window.
func (g *Ingestor) ackOverControl(sensorID, windowID string, committed int64) {
	session := g.sessions.Get(sensorID)
	if session == nil {
		return
	}
	ack := wire.ChunkAck{WindowID: windowID, CommittedUpToSequence: committed}
	if err := session.Send(ack); err != nil {
		g.logger.Warn("control ack failed", "sensor", sensorID, "error", err)
	}
}
