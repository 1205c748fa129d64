// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

// flume-collector is the central delivery endpoint for sensor
// telemetry. Sensors hold authenticated control streams to it; the
// collector decides when each sensor may send by opening transfer
// windows, stores arriving chunks idempotently, reassembles and
// verifies complete events, and advances a per-sensor committed
// offset that never skips a gap. Completed events feed an in-memory
// snapshot cache that read-side consumers query directly or follow
// over a watch stream.
//
// Configuration comes from the file named by FLUME_CONFIG or the
// --config flag; see lib/config.
package main
