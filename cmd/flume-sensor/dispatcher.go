// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flume-telemetry/flume/lib/backoff"
	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/wire"
)

// BatchSender ships one window's worth of chunks to the collector and
// returns its per-chunk outcomes. Implemented by the service client
// wrapper in control.go; tests substitute a fake.
type BatchSender interface {
	SendBatch(ctx context.Context, batch wire.BatchRequest) (wire.BatchResponse, error)
}

// Dispatcher runs the sensor side of the transfer window protocol. It
// reacts to collector chunk requests by peeking a window out of the
// durable queue, shipping it over the data channel, and pruning the
// queue as the collector's committed position advances.
//
// Windows the collector never acknowledges are abandoned after
// ackTimeout, returning their chunks to eligibility. The queue is the
// source of truth throughout: dispatch state is advisory and lost on
// restart without consequence.
type Dispatcher struct {
	sensorID    string
	queue       *DurableQueue
	sender      BatchSender
	clock       clock.Clock
	logger      *slog.Logger
	ackTimeout  time.Duration
	maxAttempts int
	retryPolicy backoff.Policy

	mu sync.Mutex
	// windows maps window ID to in-flight state. Chunks inside a live
	// window are skipped when building later windows, so concurrent
	// requests never re-send the same sequences.
	windows       map[string]*activeWindow
	lastCommitted int64
}

// activeWindow is one outstanding transfer window.
type activeWindow struct {
	id          string
	firstSeq    int64
	maxSeq      int64
	chunkCount  int
	ackDeadline time.Time
}

// DispatcherConfig holds the parameters for creating a dispatcher.
type DispatcherConfig struct {
	SensorID string
	Queue    *DurableQueue
	Sender   BatchSender

	// AckTimeout bounds how long an unacknowledged window stays in
	// flight. Default: 60s.
	AckTimeout time.Duration

	// MaxAttempts bounds send retries per window. Default: 5.
	MaxAttempts int

	// RetryPolicy shapes the delay between send retries. Zero value
	// selects backoff.Default.
	RetryPolicy backoff.Policy

	Clock  clock.Clock
	Logger *slog.Logger
}

// NewDispatcher creates a dispatcher. The collector's committed
// position is unknown until the first ack; lastCommitted starts at
// zero and only moves forward.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 60 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Dispatcher{
		sensorID:    cfg.SensorID,
		queue:       cfg.Queue,
		sender:      cfg.Sender,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		ackTimeout:  ackTimeout,
		maxAttempts: maxAttempts,
		retryPolicy: cfg.RetryPolicy,
		windows:     make(map[string]*activeWindow),
	}
}

// LastCommitted returns the highest collector-committed sequence seen
// so far. Reported in heartbeats.
func (d *Dispatcher) LastCommitted() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCommitted
}

// InFlight returns the number of chunks in unacknowledged windows.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, window := range d.windows {
		total += window.chunkCount
	}
	return total
}

// HandleRequest services a collector chunk request: builds a window
// from the queue, ships it, and reconciles against the response. A
// request that finds nothing eligible (queue drained, or everything
// already in flight) is a no-op.
func (d *Dispatcher) HandleRequest(ctx context.Context, request wire.ChunkRequest) error {
	since, maxChunks := d.planWindow(request)
	if maxChunks <= 0 {
		d.logger.Debug("chunk request skipped: in-flight limit reached",
			"window_id", request.WindowID,
		)
		return nil
	}

	window, err := d.queue.PeekWindow(ctx, since, maxChunks, request.MaxBytes)
	if err != nil {
		return fmt.Errorf("building window %s: %w", request.WindowID, err)
	}
	if len(window) == 0 {
		return nil
	}

	sequences := make([]int64, len(window))
	chunks := make([]wire.DataChunk, len(window))
	for i, entry := range window {
		sequences[i] = entry.Sequence
		chunks[i] = wire.DataChunk{
			SchemaVersion: wire.SchemaVersion,
			SensorID:      d.sensorID,
			Sequence:      entry.Sequence,
			CreatedAtMS:   entry.EnqueuedAtMS,
			Chunk:         entry.Chunk,
		}
	}

	d.mu.Lock()
	d.windows[request.WindowID] = &activeWindow{
		id:          request.WindowID,
		firstSeq:    sequences[0],
		maxSeq:      sequences[len(sequences)-1],
		chunkCount:  len(sequences),
		ackDeadline: d.clock.Now().Add(d.ackTimeout),
	}
	d.mu.Unlock()

	if err := d.queue.MarkAttempt(ctx, sequences, d.clock.Now()); err != nil {
		d.logger.Warn("recording send attempt failed", "error", err)
	}

	batch := wire.BatchRequest{
		SensorID: d.sensorID,
		WindowID: request.WindowID,
		Chunks:   chunks,
	}

	response, err := d.sendWithRetry(ctx, batch)
	if err != nil {
		d.releaseWindow(request.WindowID)
		return fmt.Errorf("sending window %s: %w", request.WindowID, err)
	}

	d.logger.Info("window shipped",
		"window_id", request.WindowID,
		"chunks", len(chunks),
		"accepted", response.Accepted,
		"duplicates", response.Duplicates,
		"rejected", len(response.Errors),
		"committed", response.CommittedSequence,
	)
	for _, chunkError := range response.Errors {
		d.logger.Error("chunk rejected by collector",
			"window_id", request.WindowID,
			"sequence", chunkError.Sequence,
			"reason", chunkError.Reason,
		)
	}

	return d.reconcile(ctx, response.CommittedSequence)
}

// planWindow computes the peek start position and chunk budget for a
// request, accounting for chunks already in flight.
func (d *Dispatcher) planWindow(request wire.ChunkRequest) (since int64, maxChunks int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.releaseExpiredLocked()

	since = request.SinceSequence
	if since < d.lastCommitted {
		since = d.lastCommitted
	}

	inFlight := 0
	for _, window := range d.windows {
		inFlight += window.chunkCount
		// Windows are contiguous peeks, so everything at or below a
		// live window's max is either committed or in flight. Start
		// past it.
		if window.maxSeq > since {
			since = window.maxSeq
		}
	}

	maxChunks = request.MaxChunks
	if maxChunks <= 0 {
		maxChunks = 32
	}
	if request.MaxInFlight > 0 {
		capacity := request.MaxInFlight - inFlight
		if capacity < maxChunks {
			maxChunks = capacity
		}
	}
	return since, maxChunks
}

// releaseExpiredLocked abandons windows past their ack deadline.
// Caller holds d.mu.
func (d *Dispatcher) releaseExpiredLocked() {
	now := d.clock.Now()
	for id, window := range d.windows {
		if now.After(window.ackDeadline) {
			d.logger.Warn("window abandoned: no ack before deadline",
				"window_id", id,
				"chunks", window.chunkCount,
			)
			delete(d.windows, id)
		}
	}
}

// HandleAck applies a collector ack from the control channel. A
// reset_window ack releases the window without advancing the
// committed position; otherwise the committed position prunes the
// queue and releases every window it covers.
func (d *Dispatcher) HandleAck(ctx context.Context, ack wire.ChunkAck) error {
	if ack.ResetWindow {
		d.logger.Info("window reset by collector", "window_id", ack.WindowID)
		d.releaseWindow(ack.WindowID)
		return nil
	}
	return d.reconcile(ctx, ack.CommittedUpToSequence)
}

func (d *Dispatcher) releaseWindow(windowID string) {
	d.mu.Lock()
	delete(d.windows, windowID)
	d.mu.Unlock()
}

// reconcile advances the committed position, prunes the queue, and
// releases fully covered windows. The committed position never
// regresses: a stale ack is ignored.
func (d *Dispatcher) reconcile(ctx context.Context, committed int64) error {
	d.mu.Lock()
	if committed <= d.lastCommitted {
		d.mu.Unlock()
		return nil
	}
	d.lastCommitted = committed
	for id, window := range d.windows {
		if window.maxSeq <= committed {
			delete(d.windows, id)
		}
	}
	d.mu.Unlock()

	deleted, err := d.queue.AckUpTo(ctx, committed)
	if err != nil {
		return fmt.Errorf("pruning queue up to %d: %w", committed, err)
	}
	if deleted > 0 {
		d.logger.Debug("queue pruned", "committed", committed, "deleted", deleted)
	}
	return nil
}

// sendWithRetry ships a batch, retrying transport failures with
// jittered exponential backoff up to the attempt limit.
func (d *Dispatcher) sendWithRetry(ctx context.Context, batch wire.BatchRequest) (wire.BatchResponse, error) {
	retry := backoff.New(d.retryPolicy)

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		response, err := d.sender.SendBatch(ctx, batch)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if attempt == d.maxAttempts {
			break
		}
		delay := retry.Next()
		d.logger.Warn("batch send failed, retrying",
			"window_id", batch.WindowID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return wire.BatchResponse{}, ctx.Err()
		case <-d.clock.After(delay):
		}
	}
	return wire.BatchResponse{}, fmt.Errorf("after %d attempts: %w", d.maxAttempts, lastErr)
}
