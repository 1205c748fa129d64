// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/codec"
	"github.com/flume-telemetry/flume/lib/netutil"
	"github.com/flume-telemetry/flume/lib/sensortoken"
	"github.com/flume-telemetry/flume/lib/service"
	"github.com/flume-telemetry/flume/lib/wire"
)

// HeartbeatObserver is notified of every heartbeat received on a
// control session. The scheduler implements it to decide when a
// sensor has chunks worth requesting.
type HeartbeatObserver interface {
	ObserveHeartbeat(ctx context.Context, sensorID string, heartbeat wire.Heartbeat)
}

// Session is one live control stream to a sensor. Writes are
// serialized; the read loop runs in the stream handler's goroutine.
type Session struct {
	sensorID string
	clock    clock.Clock

	writeMu sync.Mutex
	conn    net.Conn
	encoder *codec.Encoder

	mu            sync.Mutex
	connectedAtMS int64
	heartbeatAtMS int64
	lastHeartbeat wire.Heartbeat
}

// SessionInfo is a point-in-time view of a session for status output.
type SessionInfo struct {
	SensorID              string  `cbor:"sensor_id"`
	ConnectedAtMS         int64   `cbor:"connected_at_ms"`
	LastHeartbeatAtMS     int64   `cbor:"last_heartbeat_at_ms"`
	QueueDepth            int64   `cbor:"queue_depth"`
	LastCommittedSequence int64   `cbor:"last_committed_sequence"`
	ClockSkewMS           float64 `cbor:"clock_skew_ms"`
	SoftwareVersion       string  `cbor:"software_version"`
}

// Send encodes body into an envelope addressed to the session's
// sensor and writes it to the stream.
func (s *Session) Send(body any) error {
	envelope, err := wire.NewEnvelope(s.sensorID, body, s.clock.Now())
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.encoder.Encode(envelope); err != nil {
		return fmt.Errorf("writing %s to %s: %w", envelope.BodyType, s.sensorID, err)
	}
	return nil
}

func (s *Session) recordHeartbeat(heartbeat wire.Heartbeat) {
	s.mu.Lock()
	s.heartbeatAtMS = s.clock.Now().UnixMilli()
	s.lastHeartbeat = heartbeat
	s.mu.Unlock()
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		SensorID:              s.sensorID,
		ConnectedAtMS:         s.connectedAtMS,
		LastHeartbeatAtMS:     s.heartbeatAtMS,
		QueueDepth:            s.lastHeartbeat.QueueDepth,
		LastCommittedSequence: s.lastHeartbeat.LastCommittedSequence,
		ClockSkewMS:           s.lastHeartbeat.ClockSkewMS,
		SoftwareVersion:       s.lastHeartbeat.SoftwareVersion,
	}
}

// SessionRegistry tracks the live control session per sensor. A
// sensor has at most one session: a new connection supersedes the
// old one, which is closed so the stale sensor process notices.
type SessionRegistry struct {
	authorized map[string]bool
	clock      clock.Clock
	logger     *slog.Logger

	// observer is set once during wiring, before the server accepts
	// connections.
	observer HeartbeatObserver

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionRegistry creates a registry that admits only the listed
// sensor IDs.
func NewSessionRegistry(authorizedSensors []string, clk clock.Clock, logger *slog.Logger) *SessionRegistry {
	authorized := make(map[string]bool, len(authorizedSensors))
	for _, id := range authorizedSensors {
		authorized[id] = true
	}
	return &SessionRegistry{
		authorized: authorized,
		clock:      clk,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
}

// SetObserver installs the heartbeat observer. Must be called before
// the socket server starts accepting.
func (r *SessionRegistry) SetObserver(observer HeartbeatObserver) {
	r.observer = observer
}

// Authorized reports whether the sensor ID is in the collector's
// authorized set.
func (r *SessionRegistry) Authorized(sensorID string) bool {
	return r.authorized[sensorID]
}

// Get returns the live session for a sensor, or nil.
func (r *SessionRegistry) Get(sensorID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sensorID]
}

// Sessions returns a status view of every live session.
func (r *SessionRegistry) Sessions() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.info())
	}
	return infos
}

// HandleControl is the stream handler for the "control" action. It
// validates the sensor's identity against its token, registers the
// session, and runs the read loop until the connection drops.
func (r *SessionRegistry) HandleControl(ctx context.Context, token *sensortoken.Token, raw []byte, conn net.Conn) {
	var request struct {
		SensorID string `cbor:"sensor_id"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		writeStreamReject(conn, "malformed control request")
		return
	}

	if reason := r.admit(token, request.SensorID); reason != "" {
		r.logger.Warn("control session rejected",
			"sensor", request.SensorID,
			"subject", token.Subject,
			"reason", reason)
		writeStreamReject(conn, reason)
		return
	}

	session := &Session{
		sensorID:      request.SensorID,
		clock:         r.clock,
		conn:          conn,
		encoder:       codec.NewEncoder(conn),
		connectedAtMS: r.clock.Now().UnixMilli(),
	}
	if err := session.encoder.Encode(service.StreamAck{OK: true}); err != nil {
		r.logger.Warn("control session ack failed", "sensor", request.SensorID, "error", err)
		return
	}

	r.register(session)
	defer r.unregister(session)
	r.logger.Info("control session opened", "sensor", request.SensorID)

	// Close the connection when the server shuts down so the read
	// loop unblocks.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	decoder := codec.NewDecoder(conn)
	for {
		var envelope wire.Envelope
		if err := decoder.Decode(&envelope); err != nil {
			if !netutil.IsExpectedCloseError(err) && ctx.Err() == nil {
				r.logger.Warn("control session read failed",
					"sensor", request.SensorID, "error", err)
			}
			return
		}
		r.handleEnvelope(ctx, session, &envelope)
	}
}

// admit returns a rejection reason, or "" when the sensor may open a
// control session.
func (r *SessionRegistry) admit(token *sensortoken.Token, sensorID string) string {
	if sensorID == "" {
		return "missing sensor_id"
	}
	if token.Subject != sensorID {
		return fmt.Sprintf("token subject %q does not match sensor %q", token.Subject, sensorID)
	}
	if !sensortoken.GrantsAllow(token.Grants, sensortoken.ActionControl, sensorID) {
		return "token does not grant control access"
	}
	if !r.authorized[sensorID] {
		return fmt.Sprintf("sensor %q is not authorized", sensorID)
	}
	return ""
}

func (r *SessionRegistry) handleEnvelope(ctx context.Context, session *Session, envelope *wire.Envelope) {
	body, err := envelope.DecodeBody()
	if err != nil {
		// Unknown body types are skipped for forward compatibility.
		r.logger.Debug("skipping control frame",
			"sensor", session.sensorID, "error", err)
		return
	}
	switch body := body.(type) {
	case wire.Heartbeat:
		session.recordHeartbeat(body)
		if r.observer != nil {
			r.observer.ObserveHeartbeat(ctx, session.sensorID, body)
		}
	case wire.ChunkAck:
		// Confirmation of an ack we sent; informational.
		r.logger.Debug("sensor confirmed ack",
			"sensor", session.sensorID,
			"window", body.WindowID,
			"committed", body.CommittedUpToSequence)
	case wire.ErrorFrame:
		r.logger.Warn("sensor reported error",
			"sensor", session.sensorID,
			"code", body.Code,
			"message", body.Message,
			"fatal", body.Fatal)
	}
}

func (r *SessionRegistry) register(session *Session) {
	r.mu.Lock()
	prior := r.sessions[session.sensorID]
	r.sessions[session.sensorID] = session
	r.mu.Unlock()

	if prior != nil {
		// The old process (or a stale connection of the same one)
		// loses; closing its conn ends its handler.
		r.logger.Info("control session superseded", "sensor", session.sensorID)
		prior.conn.Close()
	}
}

func (r *SessionRegistry) unregister(session *Session) {
	r.mu.Lock()
	if r.sessions[session.sensorID] == session {
		delete(r.sessions, session.sensorID)
	}
	r.mu.Unlock()
	r.logger.Info("control session closed", "sensor", session.sensorID)
}

// writeStreamReject sends a failing stream ack. The sensor treats a
// rejected control stream as fatal and stops reconnecting.
func writeStreamReject(conn net.Conn, reason string) {
	encoder := codec.NewEncoder(conn)
	_ = encoder.Encode(service.StreamAck{OK: false, Error: reason})
}
