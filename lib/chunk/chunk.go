// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunk splits measurement payloads into bounded, individually
// verifiable chunks and reassembles them on the collector side.
//
// Each chunk carries two digests: a chunk hash over the encoded
// (compressed) chunk bytes, used to verify the chunk in isolation on
// arrival, and an event hash over the whole raw payload, used to
// verify the reassembled event. Compression is applied per chunk
// slice, before hashing, so a chunk can be checked and stored without
// touching its siblings.
//
// The package is pure: no I/O, no clocks. Callers assign sequence
// numbers and timestamps elsewhere.
package chunk

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// Chunk size bounds, in uncompressed bytes per chunk. Sizes outside
// this range either waste framing overhead or produce batches too
// large for constrained uplinks.
const (
	DefaultChunkSize = 128 * 1024
	MinChunkSize     = 64 * 1024
	MaxChunkSize     = 256 * 1024
)

// Supported compression codecs.
const (
	CompressionGzip = "gzip"
	CompressionLZ4  = "lz4"
	CompressionNone = "none"
)

// Chunk is one slice of an event payload, compressed and hashed, before
// it receives a durable sequence number from the sensor queue.
type Chunk struct {
	// EventID identifies the event this chunk belongs to. All chunks
	// of an event share the same EventID and Count.
	EventID string `cbor:"event_id"`

	// Index is the zero-based position of this chunk within the event.
	Index int `cbor:"chunk_index"`

	// Count is the total number of chunks in the event.
	Count int `cbor:"chunk_count"`

	// Compression names the codec applied to Payload: "gzip", "lz4",
	// or "none".
	Compression string `cbor:"compression"`

	// Payload is the encoded (compressed) chunk bytes.
	Payload []byte `cbor:"payload"`

	// ChunkSHA256 is the digest of Payload as encoded. Verifiable
	// without the rest of the event.
	ChunkSHA256 []byte `cbor:"chunk_sha256"`

	// EventSHA256 is the digest of the whole raw (uncompressed,
	// unsliced) event payload. Identical across all chunks of an
	// event; checked after reassembly.
	EventSHA256 []byte `cbor:"event_sha256"`

	// TimestampMS is the event time reported by the sensor, in
	// milliseconds since the Unix epoch.
	TimestampMS int64 `cbor:"timestamp_ms"`

	// ClockSkewMS is the sensor's estimated clock skew versus the
	// collector at the time the event was captured.
	ClockSkewMS float64 `cbor:"clock_skew_ms,omitempty"`

	// Attributes carries optional sensor-supplied metadata end to end.
	Attributes map[string]string `cbor:"attributes,omitempty"`
}

// Options controls Split. The zero value selects the defaults: 128 KiB
// chunks, gzip compression.
type Options struct {
	// ChunkSize is the maximum uncompressed bytes per chunk. Must be
	// within [MinChunkSize, MaxChunkSize]; zero selects
	// DefaultChunkSize.
	ChunkSize int

	// Compression names the codec. Empty selects gzip.
	Compression string

	// TimestampMS is the event time in milliseconds since the Unix
	// epoch, stamped onto every chunk.
	TimestampMS int64

	// ClockSkewMS is the sensor's clock skew estimate, stamped onto
	// every chunk.
	ClockSkewMS float64

	// Attributes is copied onto every chunk.
	Attributes map[string]string
}

// ErrIncompleteEvent is returned by Assemble when one or more chunk
// indexes are missing. It signals a waiting state, not a defect: the
// collector holds what it has and retries assembly as chunks arrive.
var ErrIncompleteEvent = errors.New("event incomplete: missing chunks")

// IntegrityError reports a verification failure: a chunk or event hash
// mismatch, inconsistent chunk metadata, or an unsupported codec.
// Affected chunks must not be acknowledged.
type IntegrityError struct {
	// EventID identifies the implicated event.
	EventID string

	// Index is the implicated chunk index, or -1 when the failure
	// concerns the whole event.
	Index int

	// Reason is a short human-readable description.
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("event %s: %s", e.EventID, e.Reason)
	}
	return fmt.Sprintf("event %s chunk %d: %s", e.EventID, e.Index, e.Reason)
}

// Split slices payload into at most ChunkSize-byte pieces, compresses
// each piece, and returns the resulting chunks with hashing metadata.
// The event hash covers the raw payload; each chunk hash covers that
// chunk's compressed bytes.
//
// An empty payload produces a single empty chunk so that zero-length
// events still flow through the pipeline and commit a sequence.
func Split(payload []byte, eventID string, opts Options) ([]Chunk, error) {
	size := opts.ChunkSize
	if size == 0 {
		size = DefaultChunkSize
	}
	if size < MinChunkSize || size > MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d outside supported range [%d, %d]", size, MinChunkSize, MaxChunkSize)
	}
	codec := opts.Compression
	if codec == "" {
		codec = CompressionGzip
	}
	if !supportedCodec(codec) {
		return nil, fmt.Errorf("unsupported compression codec %q", codec)
	}
	if eventID == "" {
		return nil, errors.New("empty event ID")
	}

	eventHash := sha256.Sum256(payload)
	count := (len(payload) + size - 1) / size
	if count == 0 {
		count = 1
	}

	var attributes map[string]string
	if len(opts.Attributes) > 0 {
		attributes = make(map[string]string, len(opts.Attributes))
		for k, v := range opts.Attributes {
			attributes[k] = v
		}
	}

	chunks := make([]Chunk, 0, count)
	for index := range count {
		start := index * size
		end := min(start+size, len(payload))

		encoded, err := encode(codec, payload[start:end])
		if err != nil {
			return nil, fmt.Errorf("compressing chunk %d of event %s: %w", index, eventID, err)
		}
		chunkHash := sha256.Sum256(encoded)

		chunks = append(chunks, Chunk{
			EventID:     eventID,
			Index:       index,
			Count:       count,
			Compression: codec,
			Payload:     encoded,
			ChunkSHA256: chunkHash[:],
			EventSHA256: eventHash[:],
			TimestampMS: opts.TimestampMS,
			ClockSkewMS: opts.ClockSkewMS,
			Attributes:  attributes,
		})
	}
	return chunks, nil
}

// Verify recomputes the chunk hash over the encoded payload and checks
// it against ChunkSHA256. It does not decompress.
func (c *Chunk) Verify() error {
	computed := sha256.Sum256(c.Payload)
	if !bytes.Equal(computed[:], c.ChunkSHA256) {
		return &IntegrityError{EventID: c.EventID, Index: c.Index, Reason: "chunk hash mismatch"}
	}
	if !supportedCodec(c.Compression) {
		return &IntegrityError{EventID: c.EventID, Index: c.Index, Reason: fmt.Sprintf("unsupported compression codec %q", c.Compression)}
	}
	if c.Index < 0 || c.Count < 1 || c.Index >= c.Count {
		return &IntegrityError{EventID: c.EventID, Index: c.Index, Reason: fmt.Sprintf("chunk index %d out of range for count %d", c.Index, c.Count)}
	}
	return nil
}

// Assemble verifies and reassembles a complete event from its chunks,
// in any order. Returns ErrIncompleteEvent when indexes are missing,
// and an *IntegrityError when a hash or metadata check fails. The
// returned payload is the raw event bytes, verified against the event
// hash.
func Assemble(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, ErrIncompleteEvent
	}

	first := chunks[0]
	for i := range chunks {
		c := &chunks[i]
		if c.EventID != first.EventID {
			return nil, &IntegrityError{EventID: first.EventID, Index: -1, Reason: fmt.Sprintf("mixed event IDs %q and %q", first.EventID, c.EventID)}
		}
		if c.Count != first.Count {
			return nil, &IntegrityError{EventID: first.EventID, Index: c.Index, Reason: fmt.Sprintf("chunk count mismatch: %d vs %d", c.Count, first.Count)}
		}
		if !bytes.Equal(c.EventSHA256, first.EventSHA256) {
			return nil, &IntegrityError{EventID: first.EventID, Index: c.Index, Reason: "event hash mismatch across chunks"}
		}
		if err := c.Verify(); err != nil {
			return nil, err
		}
	}

	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	if len(ordered) != first.Count {
		return nil, ErrIncompleteEvent
	}
	for i := range ordered {
		if ordered[i].Index != i {
			if i > 0 && ordered[i].Index == ordered[i-1].Index {
				return nil, &IntegrityError{EventID: first.EventID, Index: ordered[i].Index, Reason: "duplicate chunk index"}
			}
			return nil, ErrIncompleteEvent
		}
	}

	var payload bytes.Buffer
	for i := range ordered {
		raw, err := decode(ordered[i].Compression, ordered[i].Payload)
		if err != nil {
			return nil, &IntegrityError{EventID: first.EventID, Index: ordered[i].Index, Reason: fmt.Sprintf("decompression failed: %v", err)}
		}
		payload.Write(raw)
	}

	eventHash := sha256.Sum256(payload.Bytes())
	if !bytes.Equal(eventHash[:], first.EventSHA256) {
		return nil, &IntegrityError{EventID: first.EventID, Index: -1, Reason: "event payload hash mismatch"}
	}
	return payload.Bytes(), nil
}

// RandomEventID returns a fresh 32-character hex event identifier (16
// random bytes). Stable enough for deduplication and debugging.
func RandomEventID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("reading random event ID: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
