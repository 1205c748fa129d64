// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package sensortoken

import (
	"sync"
	"time"
)

// revocationEntry tracks a revoked token ID and its natural expiry
// time. The expiry drives automatic cleanup: once a token's own TTL
// has passed, keeping the entry is unnecessary since expired tokens
// are rejected by Verify regardless.
type revocationEntry struct {
	tokenExpiresAt time.Time
}

// Revocations is a thread-safe in-memory set of revoked token IDs.
// The collector seeds it from configuration at startup and on reload;
// an operator revokes a leaked sensor credential by adding its token
// ID to the config and reloading.
type Revocations struct {
	mu      sync.RWMutex
	entries map[string]revocationEntry
}

// NewRevocations creates an empty revocation set.
func NewRevocations() *Revocations {
	return &Revocations{
		entries: make(map[string]revocationEntry),
	}
}

// Revoke adds a token ID to the set. The tokenExpiresAt parameter is
// the token's natural expiry time; the entry is removed after this
// time during Cleanup. Pass the zero time when the expiry is unknown
// (config-sourced revocations) to keep the entry indefinitely.
func (r *Revocations) Revoke(tokenID string, tokenExpiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tokenID] = revocationEntry{tokenExpiresAt: tokenExpiresAt}
}

// IsRevoked checks whether a token ID has been revoked.
func (r *Revocations) IsRevoked(tokenID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[tokenID]
	return exists
}

// Cleanup removes entries whose token's natural expiry has passed.
// Call periodically to prevent unbounded growth. Returns the number
// of entries removed.
func (r *Revocations) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for tokenID, entry := range r.entries {
		if entry.tokenExpiresAt.IsZero() {
			continue
		}
		if !now.Before(entry.tokenExpiresAt) {
			delete(r.entries, tokenID)
			removed++
		}
	}
	return removed
}

// Len returns the current number of entries.
func (r *Revocations) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
