// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the CBOR message types exchanged between
// sensors and the collector.
//
// The control channel is a long-lived bidirectional stream of
// [Envelope] values: the sensor sends heartbeats, the collector sends
// chunk requests and acks. The data channel is a request/response call
// per batch ([BatchRequest] / [BatchResponse]). Watch subscribers
// receive [StreamFrame] values.
//
// All integers that identify queue positions are int64: sequences are
// assigned by SQLite AUTOINCREMENT on the sensor and grow without
// bound over a sensor's lifetime.
package wire

import (
	"fmt"
	"time"

	"github.com/flume-telemetry/flume/lib/chunk"
	"github.com/flume-telemetry/flume/lib/codec"
)

// SchemaVersion is stamped onto every envelope and data chunk.
// Receivers tolerate unknown fields within a major version.
const SchemaVersion = "1.0"

// Envelope body types.
const (
	BodyHeartbeat    = "heartbeat"
	BodyChunkRequest = "chunk_request"
	BodyChunkAck     = "chunk_ack"
	BodyError        = "error"
)

// Envelope is one frame on the control channel. Body holds the
// encoded body message; BodyType selects its type. Unknown body types
// are skipped by receivers, allowing schema growth without breaking
// older peers.
type Envelope struct {
	SchemaVersion string `cbor:"schema_version"`

	// SensorID identifies the sensor the envelope concerns. Present
	// in both directions: sensors stamp their own ID, the collector
	// stamps the target sensor's ID.
	SensorID string `cbor:"sensor_id"`

	// SentAtMS is the sender's wall clock at encode time, in
	// milliseconds since the Unix epoch. Used for clock skew
	// estimation, never for ordering.
	SentAtMS int64 `cbor:"sent_at_ms"`

	// Capabilities advertises optional sender features. Currently
	// informational.
	Capabilities []string `cbor:"capabilities,omitempty"`

	BodyType string           `cbor:"body_type"`
	Body     codec.RawMessage `cbor:"body"`
}

// Heartbeat is sent by the sensor on a fixed interval while the
// control stream is up. The collector uses it for liveness, fleet
// status, and to decide when to issue chunk requests.
type Heartbeat struct {
	// SoftwareVersion is the sensor binary's version string.
	SoftwareVersion string `cbor:"software_version"`

	// LastCommittedSequence is the highest sequence the sensor has
	// deleted from its durable queue after collector acknowledgment.
	LastCommittedSequence int64 `cbor:"last_committed_sequence"`

	// QueueDepth is the number of chunks pending in the durable queue.
	QueueDepth int64 `cbor:"queue_depth"`

	// ClockSkewMS is the sensor's estimate of its clock skew versus
	// the collector, from envelope timestamps.
	ClockSkewMS float64 `cbor:"clock_skew_ms"`
}

// ChunkRequest is sent by the collector to open a transfer window.
// The sensor responds by sending batches on the data channel tagged
// with WindowID.
type ChunkRequest struct {
	// SinceSequence is the collector's committed position: the sensor
	// sends chunks with sequence > SinceSequence.
	SinceSequence int64 `cbor:"since_sequence"`

	// MaxChunks bounds the number of chunks in the window.
	MaxChunks int `cbor:"max_chunks"`

	// MaxBytes bounds the total encoded payload bytes in the window.
	// A window always carries at least one chunk even when that chunk
	// alone exceeds MaxBytes, so oversized chunks cannot wedge the
	// queue.
	MaxBytes int `cbor:"max_bytes"`

	// WindowID names the window. Acks and batches reference it.
	WindowID string `cbor:"window_id"`

	// MaxInFlight bounds the number of unacknowledged chunks the
	// sensor may have outstanding within the window.
	MaxInFlight int `cbor:"max_in_flight"`
}

// ChunkAck is sent by the collector after durably storing chunks. The
// sensor deletes every queued chunk with sequence <=
// CommittedUpToSequence.
type ChunkAck struct {
	WindowID string `cbor:"window_id"`

	// CommittedUpToSequence is the collector's contiguous committed
	// position for this sensor. Cumulative: it never regresses and
	// never skips a hole.
	CommittedUpToSequence int64 `cbor:"committed_upto_sequence"`

	// ResetWindow releases the window without advancing the committed
	// position, returning its in-flight chunks to eligibility. Sent
	// when the collector abandons a window.
	ResetWindow bool `cbor:"reset_window,omitempty"`
}

// ErrorFrame reports a protocol-level failure on the control channel.
// Fatal errors (bad credentials, unknown sensor) close the stream;
// the sensor must not retry without operator intervention.
type ErrorFrame struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
	Fatal   bool   `cbor:"fatal,omitempty"`
}

// NewEnvelope wraps body in an Envelope, deriving BodyType from the
// body's concrete type.
func NewEnvelope(sensorID string, body any, sentAt time.Time) (Envelope, error) {
	var bodyType string
	switch body.(type) {
	case Heartbeat, *Heartbeat:
		bodyType = BodyHeartbeat
	case ChunkRequest, *ChunkRequest:
		bodyType = BodyChunkRequest
	case ChunkAck, *ChunkAck:
		bodyType = BodyChunkAck
	case ErrorFrame, *ErrorFrame:
		bodyType = BodyError
	default:
		return Envelope{}, fmt.Errorf("unsupported envelope body type %T", body)
	}

	encoded, err := codec.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s body: %w", bodyType, err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		SensorID:      sensorID,
		SentAtMS:      sentAt.UnixMilli(),
		BodyType:      bodyType,
		Body:          codec.RawMessage(encoded),
	}, nil
}

// DecodeBody decodes the envelope's body into the type named by
// BodyType. Returns an error for unknown body types; callers treat
// that as a skippable frame, not a protocol failure.
func (e *Envelope) DecodeBody() (any, error) {
	switch e.BodyType {
	case BodyHeartbeat:
		var body Heartbeat
		if err := codec.Unmarshal(e.Body, &body); err != nil {
			return nil, fmt.Errorf("decoding heartbeat: %w", err)
		}
		return body, nil
	case BodyChunkRequest:
		var body ChunkRequest
		if err := codec.Unmarshal(e.Body, &body); err != nil {
			return nil, fmt.Errorf("decoding chunk request: %w", err)
		}
		return body, nil
	case BodyChunkAck:
		var body ChunkAck
		if err := codec.Unmarshal(e.Body, &body); err != nil {
			return nil, fmt.Errorf("decoding chunk ack: %w", err)
		}
		return body, nil
	case BodyError:
		var body ErrorFrame
		if err := codec.Unmarshal(e.Body, &body); err != nil {
			return nil, fmt.Errorf("decoding error frame: %w", err)
		}
		return body, nil
	}
	return nil, fmt.Errorf("unknown envelope body type %q", e.BodyType)
}

// DataChunk is one sequenced chunk on the data channel: a chunk.Chunk
// plus the durable identity it acquired in the sensor's queue.
type DataChunk struct {
	SchemaVersion string `cbor:"schema_version"`

	// SensorID is the originating sensor. Must match the batch's
	// authenticated identity.
	SensorID string `cbor:"sensor_id"`

	// Sequence is the chunk's position in the sensor's durable queue.
	// Assigned once, never reused, strictly increasing.
	Sequence int64 `cbor:"sequence"`

	// CreatedAtMS is when the chunk was enqueued on the sensor.
	CreatedAtMS int64 `cbor:"created_at_ms"`

	chunk.Chunk
}

// BatchRequest is the body of an ingest-batch call: a window's worth
// of chunks in sequence order.
type BatchRequest struct {
	SensorID string      `cbor:"sensor_id"`
	WindowID string      `cbor:"window_id"`
	Chunks   []DataChunk `cbor:"chunks"`
}

// ChunkError reports a per-chunk ingest failure within a batch.
type ChunkError struct {
	Sequence int64  `cbor:"sequence"`
	Reason   string `cbor:"reason"`
}

// BatchResponse reports the outcome of an ingest-batch call. The
// sensor reconciles immediately: CommittedSequence is authoritative
// and may exceed the batch when earlier windows completed
// concurrently.
type BatchResponse struct {
	// Accepted counts chunks newly stored by this batch.
	Accepted int `cbor:"accepted"`

	// Duplicates counts chunks the collector already held. Duplicates
	// are not errors.
	Duplicates int `cbor:"duplicates"`

	// Errors lists chunks rejected by validation or integrity checks.
	Errors []ChunkError `cbor:"errors,omitempty"`

	// CommittedSequence is the collector's contiguous committed
	// position for the sensor after this batch.
	CommittedSequence int64 `cbor:"committed_sequence"`
}

// Snapshot is a sensor's most recent complete event, as served from
// the collector's snapshot cache.
type Snapshot struct {
	SensorID string `cbor:"sensor_id"`
	EventID  string `cbor:"event_id"`

	// TimestampMS is the event time reported by the sensor.
	TimestampMS int64 `cbor:"timestamp_ms"`

	// UpdatedAtMS is when the collector completed the event.
	UpdatedAtMS int64 `cbor:"updated_at_ms"`

	// Payload is the reassembled, verified event payload.
	Payload []byte `cbor:"payload"`

	Attributes map[string]string `cbor:"attributes,omitempty"`
}

// Watch stream frame types.
const (
	FrameSnapshot      = "snapshot"
	FrameSnapshotBatch = "snapshot_batch"
	FrameHeartbeat     = "heartbeat"
)

// StreamFrame is one frame on a watch stream. On connect the
// collector sends a snapshot_batch of all current snapshots, then a
// snapshot frame per publish, with heartbeat frames on an interval so
// consumers can detect a dead stream.
type StreamFrame struct {
	Type string `cbor:"type"`

	// Snapshot is set for snapshot frames.
	Snapshot *Snapshot `cbor:"snapshot,omitempty"`

	// Snapshots is set for snapshot_batch frames.
	Snapshots []Snapshot `cbor:"snapshots,omitempty"`

	SentAtMS int64 `cbor:"sent_at_ms"`
}
