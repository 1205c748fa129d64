// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// OffsetTracker maintains the per-sensor committed sequence: the
// highest sequence such that every sequence up to it is stored and
// none of them belongs to a failed event. It never regresses and
// never skips a hole, so re-requesting from the committed position is
// always safe.
//
// Committed positions are derived from the chunk store; the tracker
// only caches them. On startup each sensor reseeds from its persisted
// floor (which survives retention pruning) extended by whatever
// contiguous run the store still holds.
type OffsetTracker struct {
	store  *ChunkStore
	logger *slog.Logger

	mu        sync.Mutex
	committed map[string]int64
}

// NewOffsetTracker creates a tracker and seeds it from the store.
func NewOffsetTracker(ctx context.Context, store *ChunkStore, logger *slog.Logger) (*OffsetTracker, error) {
	tracker := &OffsetTracker{
		store:     store,
		logger:    logger,
		committed: make(map[string]int64),
	}

	floors, err := store.Sensors(ctx)
	if err != nil {
		return nil, fmt.Errorf("offset tracker: seeding: %w", err)
	}
	for sensorID, floor := range floors {
		committed, err := store.ContiguousFrom(ctx, sensorID, floor)
		if err != nil {
			return nil, fmt.Errorf("offset tracker: seeding %s: %w", sensorID, err)
		}
		tracker.committed[sensorID] = committed
		logger.Info("offset seeded", "sensor_id", sensorID, "committed", committed)
	}
	return tracker, nil
}

// SinceSequence returns the sensor's committed position. Zero for an
// unknown sensor: everything is pending.
func (t *OffsetTracker) SinceSequence(sensorID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed[sensorID]
}

// Advance recomputes the sensor's committed position from the store
// and returns it. Call after accepted writes.
func (t *OffsetTracker) Advance(ctx context.Context, sensorID string) (int64, error) {
	t.mu.Lock()
	current := t.committed[sensorID]
	t.mu.Unlock()

	updated, err := t.store.ContiguousFrom(ctx, sensorID, current)
	if err != nil {
		return current, fmt.Errorf("offset tracker: advance %s: %w", sensorID, err)
	}
	if updated == current {
		return current, nil
	}

	t.mu.Lock()
	// Another advance may have raced past us; keep the max.
	if updated > t.committed[sensorID] {
		t.committed[sensorID] = updated
	} else {
		updated = t.committed[sensorID]
	}
	t.mu.Unlock()

	if err := t.store.RecordCommittedFloor(ctx, sensorID, updated); err != nil {
		t.logger.Warn("persisting committed floor failed", "sensor_id", sensorID, "error", err)
	}
	return updated, nil
}

// Committed returns a copy of every sensor's committed position.
func (t *OffsetTracker) Committed() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := make(map[string]int64, len(t.committed))
	for sensorID, committed := range t.committed {
		snapshot[sensorID] = committed
	}
	return snapshot
}
