// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

// flume-sensor is the on-site sensor agent. It accepts event payloads
// on a local socket, splits them into compressed, hashed chunks, and
// persists the chunks in a durable SQLite queue. Delivery to the
// collector is pull-based: the sensor holds a persistent control
// stream to the collector, sends heartbeats, and ships queued chunks
// only when the collector opens a transfer window with a chunk
// request. Chunks leave the queue only after the collector
// acknowledges them, so a crash or network partition at any point
// results in re-delivery, never loss (up to the retention bound).
//
// Configuration comes from the file named by FLUME_CONFIG or the
// --config flag; see lib/config.
package main
