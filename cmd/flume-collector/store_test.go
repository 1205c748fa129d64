// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/flume-telemetry/flume/lib/chunk"
	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/wire"
)

func testStore(t *testing.T) (*ChunkStore, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	store, err := OpenStore(StoreConfig{
		Path:   filepath.Join(t.TempDir(), "collector.db"),
		Clock:  fakeClock,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, fakeClock
}

// makeEvent splits a deterministic payload into chunks at the minimum
// chunk size and assigns sequences starting at firstSeq.
func makeEvent(t *testing.T, sensorID string, firstSeq int64, payloadSize int) ([]wire.DataChunk, []byte) {
	t.Helper()
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	split, err := chunk.Split(payload, chunk.RandomEventID(), chunk.Options{
		ChunkSize:   chunk.MinChunkSize,
		Compression: chunk.CompressionNone,
		TimestampMS: 1700000000000,
		Attributes:  map[string]string{"site": "plant-7"},
	})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	dataChunks := make([]wire.DataChunk, len(split))
	for i, c := range split {
		dataChunks[i] = wire.DataChunk{
			SchemaVersion: wire.SchemaVersion,
			SensorID:      sensorID,
			Sequence:      firstSeq + int64(i),
			CreatedAtMS:   1700000000000,
			Chunk:         c,
		}
	}
	return dataChunks, payload
}

func mustWrite(t *testing.T, store *ChunkStore, dataChunk *wire.DataChunk) *CompletedEvent {
	t.Helper()
	status, completed, err := store.Write(context.Background(), dataChunk)
	if err != nil {
		t.Fatalf("Write sequence %d: %v", dataChunk.Sequence, err)
	}
	if status != WriteAccepted {
		t.Fatalf("Write sequence %d: status %v, want accepted", dataChunk.Sequence, status)
	}
	return completed
}

func TestWriteCompletesSingleChunkEvent(t *testing.T) {
	store, _ := testStore(t)
	chunks, payload := makeEvent(t, "site-01", 1, 100)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}

	completed := mustWrite(t, store, &chunks[0])
	if completed == nil {
		t.Fatal("expected a completed event")
	}
	if !bytes.Equal(completed.Payload, payload) {
		t.Error("completed payload does not match original")
	}
	if completed.Attributes["site"] != "plant-7" {
		t.Errorf("attributes not carried through: %v", completed.Attributes)
	}
	if completed.SensorID != "site-01" {
		t.Errorf("SensorID = %q", completed.SensorID)
	}
}

func TestWriteAssemblesOnLastChunk(t *testing.T) {
	store, _ := testStore(t)
	chunks, payload := makeEvent(t, "site-01", 1, 3*chunk.MinChunkSize)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	// Out of order: the event completes only when the last missing
	// chunk lands.
	if completed := mustWrite(t, store, &chunks[2]); completed != nil {
		t.Fatal("event completed with 1 of 3 chunks")
	}
	if completed := mustWrite(t, store, &chunks[0]); completed != nil {
		t.Fatal("event completed with 2 of 3 chunks")
	}
	completed := mustWrite(t, store, &chunks[1])
	if completed == nil {
		t.Fatal("expected completion after final chunk")
	}
	if !bytes.Equal(completed.Payload, payload) {
		t.Error("reassembled payload does not match original")
	}
}

func TestWriteAbsorbsIdenticalReplay(t *testing.T) {
	store, _ := testStore(t)
	chunks, _ := makeEvent(t, "site-01", 1, 100)
	mustWrite(t, store, &chunks[0])

	status, completed, err := store.Write(context.Background(), &chunks[0])
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if status != WriteDuplicate {
		t.Errorf("replay status = %v, want duplicate", status)
	}
	if completed != nil {
		t.Error("replay must not re-complete the event")
	}
}

func TestWriteRejectsConflictingReplay(t *testing.T) {
	store, _ := testStore(t)
	first, _ := makeEvent(t, "site-01", 1, 100)
	mustWrite(t, store, &first[0])

	// A different chunk claiming the same sequence slot.
	second, _ := makeEvent(t, "site-01", 1, 200)
	status, _, err := store.Write(context.Background(), &second[0])
	if status != WriteRejected {
		t.Fatalf("status = %v, want rejected", status)
	}
	var integrityErr *chunk.IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("error = %v, want IntegrityError", err)
	}
	if integrityErr.Reason != "chunk hash mismatch" {
		t.Errorf("reason = %q", integrityErr.Reason)
	}
}

func TestWriteRejectsChunkCountMismatch(t *testing.T) {
	store, _ := testStore(t)
	chunks, _ := makeEvent(t, "site-01", 1, 2*chunk.MinChunkSize)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	mustWrite(t, store, &chunks[0])

	chunks[1].Count = 3
	status, _, err := store.Write(context.Background(), &chunks[1])
	if status != WriteRejected {
		t.Fatalf("status = %v, want rejected", status)
	}
	var integrityErr *chunk.IntegrityError
	if !errors.As(err, &integrityErr) || integrityErr.Reason != "chunk count mismatch" {
		t.Errorf("error = %v, want chunk count mismatch", err)
	}
}

func TestWriteRejectsEventHashMismatch(t *testing.T) {
	store, _ := testStore(t)
	chunks, _ := makeEvent(t, "site-01", 1, 2*chunk.MinChunkSize)
	mustWrite(t, store, &chunks[0])

	chunks[1].EventSHA256 = bytes.Repeat([]byte{0xab}, 32)
	status, _, err := store.Write(context.Background(), &chunks[1])
	if status != WriteRejected {
		t.Fatalf("status = %v, want rejected", status)
	}
	var integrityErr *chunk.IntegrityError
	if !errors.As(err, &integrityErr) || integrityErr.Reason != "event hash mismatch" {
		t.Errorf("error = %v, want event hash mismatch", err)
	}
}

func TestWriteRejectsCorruptChunk(t *testing.T) {
	store, _ := testStore(t)
	chunks, _ := makeEvent(t, "site-01", 1, 100)
	chunks[0].Payload = append(chunks[0].Payload, 0xff)

	status, _, err := store.Write(context.Background(), &chunks[0])
	if status != WriteRejected {
		t.Fatalf("status = %v, want rejected", status)
	}
	var integrityErr *chunk.IntegrityError
	if !errors.As(err, &integrityErr) || integrityErr.Reason != "chunk hash mismatch" {
		t.Errorf("error = %v, want chunk hash mismatch", err)
	}

	// A rejected chunk leaves no trace.
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ChunkCount != 0 {
		t.Errorf("ChunkCount = %d after rejection", stats.ChunkCount)
	}
}

func TestWholePayloadHashFailureMarksEventFailed(t *testing.T) {
	store, _ := testStore(t)
	chunks, _ := makeEvent(t, "site-01", 1, 2*chunk.MinChunkSize)
	mustWrite(t, store, &chunks[0])

	// Per-chunk and metadata checks pass but the reassembled payload
	// no longer matches the event hash.
	forged := []byte("not the original slice")
	forgedHash := sha256.Sum256(forged)
	chunks[1].Payload = forged
	chunks[1].ChunkSHA256 = forgedHash[:]

	status, completed, err := store.Write(context.Background(), &chunks[1])
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if status != WriteAccepted {
		t.Fatalf("status = %v, want accepted", status)
	}
	if completed != nil {
		t.Fatal("a failed event must not be published")
	}

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.FailedEvents != 1 {
		t.Errorf("FailedEvents = %d, want 1", stats.FailedEvents)
	}
}

func TestContiguousFromStopsAtHole(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	for _, seq := range []int64{1, 2, 4} {
		chunks, _ := makeEvent(t, "site-01", seq, 100)
		mustWrite(t, store, &chunks[0])
	}

	committed, err := store.ContiguousFrom(ctx, "site-01", 0)
	if err != nil {
		t.Fatalf("ContiguousFrom: %v", err)
	}
	if committed != 2 {
		t.Errorf("committed = %d, want 2", committed)
	}

	// Filling the hole releases the whole run.
	chunks, _ := makeEvent(t, "site-01", 3, 100)
	mustWrite(t, store, &chunks[0])
	committed, err = store.ContiguousFrom(ctx, "site-01", 2)
	if err != nil {
		t.Fatalf("ContiguousFrom: %v", err)
	}
	if committed != 4 {
		t.Errorf("committed = %d, want 4", committed)
	}
}

func TestContiguousFromStopsAtFailedEvent(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	good, _ := makeEvent(t, "site-01", 1, 100)
	mustWrite(t, store, &good[0])

	bad, _ := makeEvent(t, "site-01", 2, 2*chunk.MinChunkSize)
	mustWrite(t, store, &bad[0])
	forged := []byte("forged")
	forgedHash := sha256.Sum256(forged)
	bad[1].Payload = forged
	bad[1].ChunkSHA256 = forgedHash[:]
	if _, _, err := store.Write(ctx, &bad[1]); err != nil {
		t.Fatalf("Write: %v", err)
	}

	after, _ := makeEvent(t, "site-01", 4, 100)
	mustWrite(t, store, &after[0])

	// The failed event pins the offset below its chunks even though
	// every sequence is present.
	committed, err := store.ContiguousFrom(ctx, "site-01", 0)
	if err != nil {
		t.Fatalf("ContiguousFrom: %v", err)
	}
	if committed != 1 {
		t.Errorf("committed = %d, want 1", committed)
	}
}

func TestPruneCompletedRespectsCommittedPosition(t *testing.T) {
	store, fakeClock := testStore(t)
	ctx := context.Background()

	for _, seq := range []int64{1, 2} {
		chunks, _ := makeEvent(t, "site-01", seq, 100)
		mustWrite(t, store, &chunks[0])
	}
	fakeClock.Advance(73 * time.Hour)

	// Committed position at 1: the event at sequence 2 is delivered
	// state the sensor may still need acked, so it survives.
	pruned, err := store.PruneCompleted(ctx, 72*time.Hour, func(string) int64 { return 1 })
	if err != nil {
		t.Fatalf("PruneCompleted: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d, want 1", stats.ChunkCount)
	}

	// The pruned sequences are remembered as the sensor's floor.
	sensors, err := store.Sensors(ctx)
	if err != nil {
		t.Fatalf("Sensors: %v", err)
	}
	if sensors["site-01"] != 1 {
		t.Errorf("floor = %d, want 1", sensors["site-01"])
	}
}

func TestPruneKeepsRecentEvents(t *testing.T) {
	store, fakeClock := testStore(t)
	ctx := context.Background()

	chunks, _ := makeEvent(t, "site-01", 1, 100)
	mustWrite(t, store, &chunks[0])
	fakeClock.Advance(time.Hour)

	pruned, err := store.PruneCompleted(ctx, 72*time.Hour, func(string) int64 { return 10 })
	if err != nil {
		t.Fatalf("PruneCompleted: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d, want 0", pruned)
	}
}
