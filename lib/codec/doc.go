// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Flume's standard CBOR encoding configuration.
//
// All wire traffic — control envelopes, chunk batches, snapshot frames,
// credential tokens — uses CBOR (RFC 8949) with Core Deterministic
// Encoding: sorted map keys, smallest-width integers, no
// indefinite-length items. Deterministic encoding guarantees that the
// same logical value always produces identical bytes, so encoded
// values can be hashed, deduplicated, and compared without a
// canonicalization pass.
//
// CBOR is self-delimiting, so streams of values need no framing layer:
// an [Encoder] writes values back to back and a [Decoder] consumes
// them one at a time. This is how the control channel and the snapshot
// watch feed move messages over a single long-lived connection.
//
// Consumers import only this package; the underlying fxamacker/cbor
// types are re-exported as aliases ([Encoder], [Decoder],
// [RawMessage]) so the dependency stays in one place.
package codec
