// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now() when
// tests need unique identifiers for sensor IDs, event IDs, or payload
// bodies that must be distinguishable in a shared store.
//
//	sensorID := testutil.UniqueID("sensor")   // "sensor-1", "sensor-2", ...
//	payload := testutil.UniqueID("reading")   // "reading-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
