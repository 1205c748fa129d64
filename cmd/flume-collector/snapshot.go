// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sort"
	"sync"

	"github.com/flume-telemetry/flume/lib/wire"
)

// SnapshotCache holds the latest fully assembled, verified event per
// sensor. It exists so dashboard reads never touch the chunk store or
// re-run reassembly. Entries are overwritten whole; readers never see
// a partial update.
type SnapshotCache struct {
	mu        sync.RWMutex
	snapshots map[string]wire.Snapshot
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{snapshots: make(map[string]wire.Snapshot)}
}

// Publish replaces the sensor's snapshot.
func (c *SnapshotCache) Publish(snapshot wire.Snapshot) {
	c.mu.Lock()
	c.snapshots[snapshot.SensorID] = snapshot
	c.mu.Unlock()
}

// Get returns the sensor's latest snapshot, if any.
func (c *SnapshotCache) Get(sensorID string) (wire.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot, ok := c.snapshots[sensorID]
	return snapshot, ok
}

// All returns every snapshot, ordered by sensor ID for stable output.
func (c *SnapshotCache) All() []wire.Snapshot {
	c.mu.RLock()
	all := make([]wire.Snapshot, 0, len(c.snapshots))
	for _, snapshot := range c.snapshots {
		all = append(all, snapshot)
	}
	c.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].SensorID < all[j].SensorID
	})
	return all
}

// Len returns the number of cached snapshots.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}
