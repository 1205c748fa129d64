// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/config"
	"github.com/flume-telemetry/flume/lib/wire"
)

// ErrNoSession is returned when a chunk request cannot be delivered
// because the sensor has no live control session.
var ErrNoSession = errors.New("sensor has no control session")

// windowTimeout is how long the scheduler waits for a batch on an
// issued window before allowing a fresh request for that sensor. It
// must exceed the sensor's ack timeout so both sides give up on a
// window in the same order.
const windowTimeout = 90 * time.Second

// RequestScheduler decides when a sensor has chunks worth pulling and
// issues chunk requests over the sensor's control session. Delivery
// is heartbeat-driven: every heartbeat that shows queued chunks (or a
// sensor ahead of our committed position) opens a window, unless one
// is already outstanding.
type RequestScheduler struct {
	sessions *SessionRegistry
	offsets  *OffsetTracker
	limits   config.SchedulerConfig
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingWindow
}

type pendingWindow struct {
	windowID string
	issuedAt time.Time
}

// NewRequestScheduler creates a scheduler. Zero limits fall back to
// the configuration defaults.
func NewRequestScheduler(sessions *SessionRegistry, offsets *OffsetTracker, limits config.SchedulerConfig, clk clock.Clock, logger *slog.Logger) *RequestScheduler {
	defaults := config.Default().Collector.Scheduler
	if limits.MaxChunks <= 0 {
		limits.MaxChunks = defaults.MaxChunks
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = defaults.MaxBytes
	}
	if limits.MaxInFlight <= 0 {
		limits.MaxInFlight = defaults.MaxInFlight
	}
	return &RequestScheduler{
		sessions: sessions,
		offsets:  offsets,
		limits:   limits,
		clock:    clk,
		logger:   logger,
		pending:  make(map[string]*pendingWindow),
	}
}

// ObserveHeartbeat implements HeartbeatObserver.
func (s *RequestScheduler) ObserveHeartbeat(ctx context.Context, sensorID string, heartbeat wire.Heartbeat) {
	if heartbeat.QueueDepth == 0 && heartbeat.LastCommittedSequence <= s.offsets.SinceSequence(sensorID) {
		return
	}
	if !s.claimWindow(sensorID, false) {
		return
	}
	if _, err := s.issueRequest(sensorID); err != nil {
		s.releaseWindow(sensorID)
		s.logger.Warn("chunk request failed", "sensor", sensorID, "error", err)
	}
}

// RequestSensor issues a chunk request immediately, bypassing the
// outstanding-window check. Used by the request-sensor action.
func (s *RequestScheduler) RequestSensor(sensorID string) (wire.ChunkRequest, error) {
	s.claimWindow(sensorID, true)
	request, err := s.issueRequest(sensorID)
	if err != nil {
		s.releaseWindow(sensorID)
		return wire.ChunkRequest{}, err
	}
	return request, nil
}

// WindowProgress records that a batch arrived for a window, clearing
// it so the next heartbeat can open a new one.
func (s *RequestScheduler) WindowProgress(sensorID, windowID string) {
	s.mu.Lock()
	if pending, ok := s.pending[sensorID]; ok && pending.windowID == windowID {
		delete(s.pending, sensorID)
	}
	s.mu.Unlock()
}

// claimWindow reserves the sensor's window slot. Returns false when a
// window is already outstanding and has not timed out, unless force
// is set. The window ID is filled in by issueRequest.
func (s *RequestScheduler) claimWindow(sensorID string, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending, ok := s.pending[sensorID]; ok && !force {
		if s.clock.Now().Sub(pending.issuedAt) < windowTimeout {
			return false
		}
		s.logger.Warn("abandoning stale window",
			"sensor", sensorID, "window", pending.windowID)
	}
	s.pending[sensorID] = &pendingWindow{issuedAt: s.clock.Now()}
	return true
}

func (s *RequestScheduler) releaseWindow(sensorID string) {
	s.mu.Lock()
	delete(s.pending, sensorID)
	s.mu.Unlock()
}

func (s *RequestScheduler) issueRequest(sensorID string) (wire.ChunkRequest, error) {
	session := s.sessions.Get(sensorID)
	if session == nil {
		return wire.ChunkRequest{}, fmt.Errorf("%w: %s", ErrNoSession, sensorID)
	}

	request := wire.ChunkRequest{
		SinceSequence: s.offsets.SinceSequence(sensorID),
		MaxChunks:     s.limits.MaxChunks,
		MaxBytes:      s.limits.MaxBytes,
		WindowID:      fmt.Sprintf("%s-%d", sensorID, s.clock.Now().UnixMilli()),
		MaxInFlight:   s.limits.MaxInFlight,
	}

	s.mu.Lock()
	if pending, ok := s.pending[sensorID]; ok {
		pending.windowID = request.WindowID
	}
	s.mu.Unlock()

	if err := session.Send(request); err != nil {
		return wire.ChunkRequest{}, err
	}
	s.logger.Info("chunk request issued",
		"sensor", sensorID,
		"window", request.WindowID,
		"since", request.SinceSequence)
	return request, nil
}
