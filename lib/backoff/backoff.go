// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff implements exponential backoff with jitter for
// reconnect and retry loops.
//
// A [Policy] describes the delay schedule; each retry loop owns a
// [Backoff] created from it. Next returns the delay before the next
// attempt, doubling (by default) up to the cap. Reset returns the
// schedule to the base delay after a success.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Factor multiplies the delay after each attempt.
	Factor float64

	// Max caps the delay between attempts.
	Max time.Duration

	// Jitter is the fraction of random variation applied to each
	// delay, in [0, 1). A jitter of 0.1 spreads each delay uniformly
	// across ±10% of its nominal value, preventing reconnect
	// thundering herds across a fleet.
	Jitter float64
}

// Default is the schedule used by sensor reconnect and retry loops:
// 500ms doubling to a 30 second cap with 10% jitter.
var Default = Policy{
	Base:   500 * time.Millisecond,
	Factor: 2,
	Max:    30 * time.Second,
	Jitter: 0.1,
}

// Backoff tracks the current position in a Policy's schedule. Not safe
// for concurrent use; each retry loop owns its own Backoff.
type Backoff struct {
	policy Policy
	next   time.Duration

	// randFloat is replaceable in tests for deterministic jitter.
	randFloat func() float64
}

// New returns a Backoff at the start of the policy's schedule. Zero or
// negative fields fall back to the corresponding Default values.
func New(policy Policy) *Backoff {
	if policy.Base <= 0 {
		policy.Base = Default.Base
	}
	if policy.Factor <= 1 {
		policy.Factor = Default.Factor
	}
	if policy.Max <= 0 {
		policy.Max = Default.Max
	}
	if policy.Jitter < 0 || policy.Jitter >= 1 {
		policy.Jitter = Default.Jitter
	}
	return &Backoff{
		policy:    policy,
		next:      policy.Base,
		randFloat: rand.Float64,
	}
}

// Next returns the delay before the next attempt and advances the
// schedule. The returned delay carries jitter; the internal schedule
// advances on nominal (unjittered) values so repeated failures
// converge on the cap regardless of jitter outcomes.
func (b *Backoff) Next() time.Duration {
	delay := b.next

	advanced := time.Duration(float64(b.next) * b.policy.Factor)
	if advanced > b.policy.Max {
		advanced = b.policy.Max
	}
	b.next = advanced

	if b.policy.Jitter > 0 {
		// Uniform in [1-jitter, 1+jitter).
		scale := 1 + b.policy.Jitter*(2*b.randFloat()-1)
		delay = time.Duration(float64(delay) * scale)
	}
	return delay
}

// Reset returns the schedule to the base delay. Call after a
// successful attempt.
func (b *Backoff) Reset() {
	b.next = b.policy.Base
}
