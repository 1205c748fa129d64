// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small networking helpers shared by the sensor
// and collector connection loops.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. Long-lived control and watch streams end this way whenever a
// peer disconnects or a listener shuts down; callers log these at low
// severity and reconnect rather than treating them as defects.
//
// Peers that full-close the connection (rather than half-close via
// CloseWrite) produce ECONNRESET and EPIPE instead of EOF on the
// surviving side. All four are expected.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
