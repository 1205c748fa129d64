// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/codec"
	"github.com/flume-telemetry/flume/lib/sensortoken"
)

// ActionFunc processes a socket request for an unauthenticated action.
// The raw parameter is the full CBOR request (including the "action"
// field). The handler decodes action-specific fields from this raw
// message.
//
// Return a value to include in the success response, or an error for
// a failure response. If the returned value is nil, the response
// contains only {ok: true}. If non-nil, the value is marshaled as
// CBOR and placed in the response's "data" field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// AuthActionFunc processes a request for an authenticated action. The
// token has passed signature, expiry, audience, and revocation checks;
// grant-level authorization is the handler's responsibility.
type AuthActionFunc func(ctx context.Context, token *sensortoken.Token, raw []byte) (any, error)

// StreamFunc handles a long-lived authenticated stream. After
// authentication the server hands the connection to the handler, which
// owns it until return: all reads and writes, including any readiness
// or error signaling, happen in the handler. The server closes the
// connection after the handler returns.
type StreamFunc func(ctx context.Context, token *sensortoken.Token, raw []byte, conn net.Conn)

// AuthConfig holds token verification state for authenticated actions.
type AuthConfig struct {
	// PublicKey verifies token signatures.
	PublicKey ed25519.PublicKey

	// Audience is the expected token audience.
	Audience string

	// Revocations is consulted after signature and expiry checks.
	// Optional; nil disables revocation checking.
	Revocations *sensortoken.Revocations

	// Clock supplies the time for expiry checks. Injectable for
	// deterministic tests.
	Clock clock.Clock
}

// Response is the wire-format envelope for request/response actions.
// Handlers return a result value (or nil) and an error; the server
// wraps these into a Response before encoding. Stream actions do not
// use Response.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// StreamAck is the per-frame acknowledgment used by stream handlers:
// a readiness signal after authentication, then one ack per processed
// frame. An Error closes the stream.
type StreamAck struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
}

// handlerKind distinguishes the three registration forms.
type handlerKind int

const (
	kindPlain handlerKind = iota
	kindAuth
	kindStream
)

type handlerEntry struct {
	kind   handlerKind
	plain  ActionFunc
	auth   AuthActionFunc
	stream StreamFunc
}

// SocketServer serves the CBOR action protocol on a Unix socket or a
// TCP listener. Request/response connections handle exactly one
// request-response cycle; stream connections stay open for the
// handler's lifetime.
//
// Actions are registered with Handle, HandleAuth, and HandleAuthStream
// before calling Serve. Unknown actions receive an error response.
type SocketServer struct {
	network  string
	address  string
	handlers map[string]handlerEntry
	logger   *slog.Logger
	auth     *AuthConfig

	// ready is closed once the listener is bound; Addr is valid after
	// that. Tests listen on "127.0.0.1:0" and read the bound address.
	ready    chan struct{}
	boundMu  sync.Mutex
	bound    net.Addr

	// activeConnections tracks in-flight handlers for graceful
	// shutdown. Serve waits for all active connections to complete
	// before returning.
	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on the given
// network ("unix" or "tcp") and address (socket path or host:port).
// The auth config may be nil when only unauthenticated actions are
// registered. Register actions before calling Serve.
func NewSocketServer(network, address string, logger *slog.Logger, auth *AuthConfig) *SocketServer {
	return &SocketServer{
		network:  network,
		address:  address,
		handlers: make(map[string]handlerEntry),
		logger:   logger,
		auth:     auth,
		ready:    make(chan struct{}),
	}
}

// Handle registers an unauthenticated handler for the given action
// name. Panics if the action is already registered.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	s.register(action, handlerEntry{kind: kindPlain, plain: handler})
}

// HandleAuth registers an authenticated request/response handler.
// Panics if the server has no AuthConfig or the action is already
// registered.
func (s *SocketServer) HandleAuth(action string, handler AuthActionFunc) {
	if s.auth == nil {
		panic("service.SocketServer: HandleAuth requires AuthConfig")
	}
	s.register(action, handlerEntry{kind: kindAuth, auth: handler})
}

// HandleAuthStream registers an authenticated streaming handler.
// Panics if the server has no AuthConfig or the action is already
// registered.
func (s *SocketServer) HandleAuthStream(action string, handler StreamFunc) {
	if s.auth == nil {
		panic("service.SocketServer: HandleAuthStream requires AuthConfig")
	}
	s.register(action, handlerEntry{kind: kindStream, stream: handler})
}

func (s *SocketServer) register(action string, entry handlerEntry) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = entry
}

// Ready returns a channel that is closed once the listener is bound.
func (s *SocketServer) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listener address. Valid after Ready is
// closed; nil before.
func (s *SocketServer) Addr() net.Addr {
	s.boundMu.Lock()
	defer s.boundMu.Unlock()
	return s.bound
}

// Serve starts accepting connections and dispatches requests to
// registered action handlers. Blocks until ctx is cancelled, then
// stops accepting new connections and waits for active handlers to
// complete.
//
// For Unix sockets, any stale socket file at the configured path is
// removed before listening and the socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if s.network == "unix" {
		if err := os.Remove(s.address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %s: %w", s.address, err)
		}
	}

	listener, err := net.Listen(s.network, s.address)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", s.network, s.address, err)
	}
	defer func() {
		listener.Close()
		if s.network == "unix" {
			os.Remove(s.address)
		}
	}()

	s.boundMu.Lock()
	s.bound = listener.Addr()
	s.boundMu.Unlock()
	close(s.ready)

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening",
		"network", s.network,
		"address", listener.Addr().String(),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// readTimeout is how long we wait for the client to send its request.
// A well-behaved client sends the request immediately after connecting.
const readTimeout = 30 * time.Second

// writeTimeout is how long we wait for the response to be written.
const writeTimeout = 10 * time.Second

// maxRequestSize is the maximum size of a single CBOR request. Ingest
// batches are bounded by the chunk request's max_bytes (2 MiB default)
// plus per-chunk metadata, so 8 MB leaves ample headroom without
// letting a client exhaust memory.
const maxRequestSize = 8 * 1024 * 1024

// handleConnection processes one request. Request/response actions
// complete a single cycle; stream actions run the handler until it
// returns.
func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// Decode one CBOR value from the connection. LimitReader prevents
	// a malicious client from exhausting memory.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	// Extract the routing fields.
	var header struct {
		Action string `cbor:"action"`
		Token  []byte `cbor:"token"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	entry, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	if entry.kind == kindPlain {
		result, err := entry.plain(ctx, []byte(raw))
		if err != nil {
			s.logger.Debug("action failed", "action", header.Action, "error", err)
			s.writeError(conn, err.Error())
			return
		}
		s.writeSuccess(conn, result)
		return
	}

	token, authErr := s.authenticate(header.Token)
	if authErr != "" {
		s.writeError(conn, authErr)
		return
	}

	switch entry.kind {
	case kindAuth:
		result, err := entry.auth(ctx, token, []byte(raw))
		if err != nil {
			s.logger.Debug("action failed",
				"action", header.Action,
				"subject", token.Subject,
				"error", err,
			)
			s.writeError(conn, err.Error())
			return
		}
		s.writeSuccess(conn, result)
	case kindStream:
		// Streams run until the handler returns; clear the handshake
		// read deadline so the handler controls its own timeouts.
		conn.SetReadDeadline(time.Time{})
		entry.stream(ctx, token, []byte(raw), conn)
	}
}

// authenticate verifies the raw token bytes against the auth config.
// Returns the decoded token, or a client-facing error message.
// Signature failures share a generic message so probing reveals
// nothing; expiry and revocation are reported specifically since the
// holder already has a once-valid token.
func (s *SocketServer) authenticate(tokenBytes []byte) (*sensortoken.Token, string) {
	if len(tokenBytes) == 0 {
		return nil, "missing token field"
	}

	token, err := sensortoken.VerifyForServiceAt(
		s.auth.PublicKey, tokenBytes, s.auth.Audience, s.auth.Clock.Now())
	if err != nil {
		if errors.Is(err, sensortoken.ErrTokenExpired) {
			return nil, "token expired"
		}
		s.logger.Debug("token verification failed", "error", err)
		return nil, "authentication failed"
	}

	if s.auth.Revocations != nil && s.auth.Revocations.IsRevoked(token.ID) {
		return nil, "token revoked"
	}

	return token, ""
}

// writeError sends a failure response: {ok: false, error: "..."}.
// Write failures are logged at debug level — the connection is closing
// regardless.
func (s *SocketServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Error: message,
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends a success response. If result is nil, the
// response is {ok: true}. If non-nil, the value is marshaled as CBOR
// and placed in the "data" field: {ok: true, data: <cbor>}.
func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}

	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
