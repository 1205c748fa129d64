// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/codec"
	"github.com/flume-telemetry/flume/lib/sensortoken"
	"github.com/flume-telemetry/flume/lib/testutil"
)

// testClockEpoch is the fixed time used by the fake clock in auth
// tests. Token timestamps are relative to this epoch.
var testClockEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// sendRequest connects to a listener, sends a CBOR request, and
// returns the decoded response envelope.
func sendRequest(t *testing.T, network, address string, request any) Response {
	t.Helper()

	conn, err := net.DialTimeout(network, address, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v", address, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	// Half-close so the server's read side sees EOF cleanly.
	switch typed := conn.(type) {
	case *net.UnixConn:
		typed.CloseWrite()
	case *net.TCPConn:
		typed.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return response
}

// decodeData unmarshals the Data field of a response into the given
// target. Fails the test if decoding fails.
func decodeData(t *testing.T, response Response, target any) {
	t.Helper()
	if len(response.Data) == 0 {
		t.Fatal("response has no data to decode")
	}
	if err := codec.Unmarshal(response.Data, target); err != nil {
		t.Fatalf("decoding response data: %v", err)
	}
}

func testSocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(testutil.SocketDir(t), "test.sock")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// testAuthConfig creates an AuthConfig with a fresh keypair,
// revocation set, and fake clock. Returns the config and the private
// key (for minting test tokens).
func testAuthConfig(t *testing.T) (*AuthConfig, ed25519.PrivateKey) {
	t.Helper()
	public, private, err := sensortoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return &AuthConfig{
		PublicKey:   public,
		Audience:    sensortoken.AudiencePipeline,
		Revocations: sensortoken.NewRevocations(),
		Clock:       clock.Fake(testClockEpoch),
	}, private
}

// mintTestToken creates a signed token for the given subject with
// full pipeline grants. Timestamps are relative to testClockEpoch:
// issued 5 minutes before, expires 5 minutes after.
func mintTestToken(t *testing.T, privateKey ed25519.PrivateKey, subject string) []byte {
	t.Helper()
	token := &sensortoken.Token{
		Subject:  subject,
		Audience: sensortoken.AudiencePipeline,
		Grants: []sensortoken.Grant{
			{Actions: []string{"pipeline/*"}},
		},
		ID:        "test-token-id",
		IssuedAt:  testClockEpoch.Add(-5 * time.Minute).Unix(),
		ExpiresAt: testClockEpoch.Add(5 * time.Minute).Unix(),
	}
	tokenBytes, err := sensortoken.Mint(privateKey, token)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return tokenBytes
}

// startServer runs Serve in a goroutine and waits for the listener to
// bind. Cleanup cancels the context and waits for Serve to return.
func startServer(t *testing.T, server *SocketServer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Serve to return"); err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	})

	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "waiting for listener")
}

func TestSocketServerStatus(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer("unix", socketPath, testLogger(), nil)

	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]any{
			"uptime_seconds": 42,
			"sensors":        3,
		}, nil
	})

	startServer(t, server)

	response := sendRequest(t, "unix", socketPath, map[string]string{"action": "status"})
	if !response.OK {
		t.Fatalf("expected ok=true, got false (error: %s)", response.Error)
	}

	var data map[string]any
	decodeData(t, response, &data)
	if data["uptime_seconds"] != uint64(42) {
		t.Errorf("uptime_seconds = %v (%T), want 42", data["uptime_seconds"], data["uptime_seconds"])
	}
	if data["sensors"] != uint64(3) {
		t.Errorf("sensors = %v (%T), want 3", data["sensors"], data["sensors"])
	}
}

func TestSocketServerTCP(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", testLogger(), nil)
	server.Handle("ping", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]string{"pong": "yes"}, nil
	})

	startServer(t, server)

	address := server.Addr().String()
	response := sendRequest(t, "tcp", address, map[string]string{"action": "ping"})
	if !response.OK {
		t.Fatalf("expected ok=true, got false (error: %s)", response.Error)
	}
}

func TestSocketServerUnknownAction(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer("unix", socketPath, testLogger(), nil)
	startServer(t, server)

	response := sendRequest(t, "unix", socketPath, map[string]string{"action": "nonexistent"})
	if response.OK {
		t.Error("expected ok=false for unknown action")
	}
	if !strings.Contains(response.Error, "unknown action") {
		t.Errorf("error = %q, want mention of unknown action", response.Error)
	}
}

func TestSocketServerMissingAction(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer("unix", socketPath, testLogger(), nil)
	startServer(t, server)

	response := sendRequest(t, "unix", socketPath, map[string]string{"other": "field"})
	if response.OK {
		t.Error("expected ok=false for missing action")
	}
	if !strings.Contains(response.Error, "action") {
		t.Errorf("error = %q, want mention of missing action", response.Error)
	}
}

func TestSocketServerHandleAuth(t *testing.T) {
	socketPath := testSocketPath(t)
	authConfig, privateKey := testAuthConfig(t)
	server := NewSocketServer("unix", socketPath, testLogger(), authConfig)

	var receivedSubject string
	var receivedGrantCount int
	server.HandleAuth("query", func(ctx context.Context, token *sensortoken.Token, raw []byte) (any, error) {
		receivedSubject = token.Subject
		receivedGrantCount = len(token.Grants)
		return map[string]any{"answered": true}, nil
	})

	startServer(t, server)

	tokenBytes := mintTestToken(t, privateKey, "sensor-lab-3")
	response := sendRequest(t, "unix", socketPath, map[string]any{
		"action": "query",
		"token":  tokenBytes,
	})
	if !response.OK {
		t.Fatalf("expected ok=true, got false (error: %s)", response.Error)
	}

	if receivedSubject != "sensor-lab-3" {
		t.Errorf("handler received subject %q, want sensor-lab-3", receivedSubject)
	}
	if receivedGrantCount != 1 {
		t.Errorf("handler received %d grants, want 1", receivedGrantCount)
	}
}

func TestSocketServerAuthMissingToken(t *testing.T) {
	socketPath := testSocketPath(t)
	authConfig, _ := testAuthConfig(t)
	server := NewSocketServer("unix", socketPath, testLogger(), authConfig)

	server.HandleAuth("query", func(ctx context.Context, token *sensortoken.Token, raw []byte) (any, error) {
		t.Error("handler should not be called without a token")
		return nil, nil
	})

	startServer(t, server)

	response := sendRequest(t, "unix", socketPath, map[string]string{"action": "query"})
	if response.OK {
		t.Error("expected ok=false")
	}
	if !strings.Contains(response.Error, "missing token field") {
		t.Errorf("error = %q, want 'missing token field'", response.Error)
	}
}

func TestSocketServerAuthExpiredToken(t *testing.T) {
	socketPath := testSocketPath(t)
	authConfig, privateKey := testAuthConfig(t)
	server := NewSocketServer("unix", socketPath, testLogger(), authConfig)

	server.HandleAuth("query", func(ctx context.Context, token *sensortoken.Token, raw []byte) (any, error) {
		t.Error("handler should not be called with an expired token")
		return nil, nil
	})

	startServer(t, server)

	token := &sensortoken.Token{
		Subject:   "sensor-old",
		Audience:  sensortoken.AudiencePipeline,
		ID:        "expired-token",
		IssuedAt:  testClockEpoch.Add(-2 * time.Hour).Unix(),
		ExpiresAt: testClockEpoch.Add(-time.Hour).Unix(),
	}
	tokenBytes, err := sensortoken.Mint(privateKey, token)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	response := sendRequest(t, "unix", socketPath, map[string]any{
		"action": "query",
		"token":  tokenBytes,
	})
	if response.OK {
		t.Error("expected ok=false")
	}
	if !strings.Contains(response.Error, "token expired") {
		t.Errorf("error = %q, want 'token expired'", response.Error)
	}
}

func TestSocketServerAuthRevokedToken(t *testing.T) {
	socketPath := testSocketPath(t)
	authConfig, privateKey := testAuthConfig(t)
	server := NewSocketServer("unix", socketPath, testLogger(), authConfig)

	server.HandleAuth("query", func(ctx context.Context, token *sensortoken.Token, raw []byte) (any, error) {
		t.Error("handler should not be called with a revoked token")
		return nil, nil
	})

	startServer(t, server)

	tokenBytes := mintTestToken(t, privateKey, "sensor-leaked")
	authConfig.Revocations.Revoke("test-token-id", testClockEpoch.Add(5*time.Minute))

	response := sendRequest(t, "unix", socketPath, map[string]any{
		"action": "query",
		"token":  tokenBytes,
	})
	if response.OK {
		t.Error("expected ok=false")
	}
	if !strings.Contains(response.Error, "token revoked") {
		t.Errorf("error = %q, want 'token revoked'", response.Error)
	}
}

func TestSocketServerAuthBadSignature(t *testing.T) {
	socketPath := testSocketPath(t)
	authConfig, privateKey := testAuthConfig(t)
	server := NewSocketServer("unix", socketPath, testLogger(), authConfig)

	server.HandleAuth("query", func(ctx context.Context, token *sensortoken.Token, raw []byte) (any, error) {
		t.Error("handler should not be called with a tampered token")
		return nil, nil
	})

	startServer(t, server)

	tokenBytes := mintTestToken(t, privateKey, "sensor-a")
	tokenBytes[0] ^= 0xFF

	response := sendRequest(t, "unix", socketPath, map[string]any{
		"action": "query",
		"token":  tokenBytes,
	})
	if response.OK {
		t.Error("expected ok=false")
	}
	if response.Error != "authentication failed" {
		t.Errorf("error = %q, want 'authentication failed'", response.Error)
	}
}

func TestSocketServerHandleAuthPanicsWithoutConfig(t *testing.T) {
	server := NewSocketServer("unix", "/tmp/test.sock", testLogger(), nil)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic when calling HandleAuth without AuthConfig")
		}
		message, ok := r.(string)
		if !ok || !strings.Contains(message, "HandleAuth requires AuthConfig") {
			t.Errorf("unexpected panic message: %v", r)
		}
	}()

	server.HandleAuth("query", func(ctx context.Context, token *sensortoken.Token, raw []byte) (any, error) {
		return nil, nil
	})
}

func TestSocketServerDuplicateAction(t *testing.T) {
	authConfig, _ := testAuthConfig(t)
	server := NewSocketServer("unix", "/tmp/test.sock", testLogger(), authConfig)
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate action")
		}
	}()

	server.HandleAuth("status", func(ctx context.Context, token *sensortoken.Token, raw []byte) (any, error) {
		return nil, nil
	})
}

func TestSocketServerStream(t *testing.T) {
	socketPath := testSocketPath(t)
	authConfig, privateKey := testAuthConfig(t)
	server := NewSocketServer("unix", socketPath, testLogger(), authConfig)

	// Echo stream: readiness ack, then echo each frame back.
	server.HandleAuthStream("echo", func(ctx context.Context, token *sensortoken.Token, raw []byte, conn net.Conn) {
		encoder := codec.NewEncoder(conn)
		if err := encoder.Encode(StreamAck{OK: true}); err != nil {
			return
		}
		decoder := codec.NewDecoder(conn)
		for {
			var frame map[string]string
			if err := decoder.Decode(&frame); err != nil {
				return
			}
			if err := encoder.Encode(frame); err != nil {
				return
			}
		}
	})

	startServer(t, server)

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer conn.Close()

	tokenBytes := mintTestToken(t, privateKey, "sensor-a")
	if err := codec.NewEncoder(conn).Encode(map[string]any{
		"action": "echo",
		"token":  tokenBytes,
	}); err != nil {
		t.Fatalf("writing stream request: %v", err)
	}

	decoder := codec.NewDecoder(conn)
	var ack StreamAck
	if err := decoder.Decode(&ack); err != nil {
		t.Fatalf("reading readiness ack: %v", err)
	}
	if !ack.OK {
		t.Fatalf("readiness ack not OK: %s", ack.Error)
	}

	encoder := codec.NewEncoder(conn)
	for _, message := range []string{"one", "two", "three"} {
		if err := encoder.Encode(map[string]string{"msg": message}); err != nil {
			t.Fatalf("writing frame: %v", err)
		}
		var echoed map[string]string
		if err := decoder.Decode(&echoed); err != nil {
			t.Fatalf("reading echo: %v", err)
		}
		if echoed["msg"] != message {
			t.Fatalf("echoed %q, want %q", echoed["msg"], message)
		}
	}
}

func TestSocketServerStreamRequiresAuth(t *testing.T) {
	socketPath := testSocketPath(t)
	authConfig, _ := testAuthConfig(t)
	server := NewSocketServer("unix", socketPath, testLogger(), authConfig)

	server.HandleAuthStream("echo", func(ctx context.Context, token *sensortoken.Token, raw []byte, conn net.Conn) {
		t.Error("stream handler should not run without a token")
	})

	startServer(t, server)

	response := sendRequest(t, "unix", socketPath, map[string]string{"action": "echo"})
	if response.OK {
		t.Error("expected ok=false")
	}
	if !strings.Contains(response.Error, "missing token field") {
		t.Errorf("error = %q, want 'missing token field'", response.Error)
	}
}
