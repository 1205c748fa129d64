// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"sync"

	"github.com/flume-telemetry/flume/lib/wire"
)

// subscriberBuffer is the per-subscriber frame channel capacity. A
// subscriber that falls this far behind starts losing frames; every
// frame carries full state for its sensor, so a dropped frame is
// superseded by the next publish rather than lost forever.
const subscriberBuffer = 64

// WatchHub fans completed snapshots out to watch subscribers. Publish
// never blocks on a slow subscriber: frames that do not fit in a
// subscriber's buffer are dropped and counted.
type WatchHub struct {
	logger *slog.Logger

	mu          sync.Mutex
	nextID      int64
	subscribers map[int64]*subscriber
}

type subscriber struct {
	frames  chan wire.StreamFrame
	dropped int64
}

// NewWatchHub creates a hub with no subscribers.
func NewWatchHub(logger *slog.Logger) *WatchHub {
	return &WatchHub{
		logger:      logger,
		subscribers: make(map[int64]*subscriber),
	}
}

// Subscribe registers a new subscriber and returns its frame channel
// and a cancel function. The caller must drain the channel promptly or
// accept dropped frames. Cancel is idempotent.
func (h *WatchHub) Subscribe() (<-chan wire.StreamFrame, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	sub := &subscriber{frames: make(chan wire.StreamFrame, subscriberBuffer)}
	h.subscribers[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
		})
	}
	return sub.frames, cancel
}

// Publish delivers a frame to every subscriber, dropping it for
// subscribers whose buffer is full.
func (h *WatchHub) Publish(frame wire.StreamFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers {
		select {
		case sub.frames <- frame:
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				h.logger.Warn("watch subscriber falling behind",
					"subscriber", id,
					"dropped", sub.dropped)
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *WatchHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
