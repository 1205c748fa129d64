// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

// Package sensortoken implements the credential format for the
// pipeline: Ed25519-signed CBOR tokens minted out-of-band by the
// operator holding the signing key and verified by the collector with
// the corresponding public key.
//
// A token binds a subject (a sensor ID, or an operator/consumer
// identity for the read-side actions) to an audience, a grant set,
// and an expiry. The wire format is the CBOR-encoded payload followed
// by the 64-byte Ed25519 signature; fields use integer keys to keep
// tokens small enough to carry on every call.
//
// Verification layers, applied by the collector in order: signature,
// expiry, audience, revocation ([Revocations]), and finally per-action
// authorization via [GrantsAllow]. Sensor identity (token subject
// matching the claimed sensor ID) is checked by the handlers that care.
package sensortoken
