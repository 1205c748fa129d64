// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the CBOR socket protocol shared by the
// Flume binaries: action-dispatched request/response calls plus
// long-lived authenticated streams, over Unix sockets or TCP.
//
// A request is one CBOR map containing at least an "action" field;
// authenticated actions also carry a "token" field with the raw
// sensortoken bytes. CBOR is self-delimiting, so no framing protocol
// is needed. Request/response actions handle exactly one cycle per
// connection. Stream actions hand the connection to the handler after
// authentication, which owns it until return — the control channel
// and the watch feed are built on this.
//
// Servers compose the pieces in their own main() rather than
// subclassing a framework: register actions with [SocketServer.Handle],
// [SocketServer.HandleAuth], and [SocketServer.HandleAuthStream], then
// call [SocketServer.Serve]. Clients use [ServiceClient.Call] for
// request/response and [ServiceClient.Stream] to open a stream.
package service
