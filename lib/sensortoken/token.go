// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package sensortoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/flume-telemetry/flume/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// Audience values used by the pipeline. Sensors hold "pipeline"
// tokens; read-side consumers hold "pipeline" tokens with watch or
// snapshot grants minted separately from sensor credentials.
const AudiencePipeline = "pipeline"

// Actions checked against token grants.
const (
	ActionControl  = "pipeline/control"
	ActionIngest   = "pipeline/ingest"
	ActionSnapshot = "pipeline/snapshot"
	ActionWatch    = "pipeline/watch"
	ActionRequest  = "pipeline/request"
)

// Grant is one authorization grant embedded in a token.
type Grant struct {
	// Actions is a list of action patterns (glob syntax), e.g.
	// "pipeline/ingest" or "pipeline/*".
	Actions []string `cbor:"1,keyasint"`

	// Sensors is a list of sensor ID patterns the grant applies to.
	// Empty means the grant is not scoped to particular sensors.
	Sensors []string `cbor:"2,keyasint,omitempty"`
}

// Token is the CBOR-encoded payload of a pipeline credential.
type Token struct {
	// Subject is the identity the token authenticates: a sensor ID
	// for sensor credentials, or an operator/consumer name for
	// read-side credentials.
	Subject string `cbor:"1,keyasint"`

	// Audience scopes the token to a service role. The collector
	// only accepts AudiencePipeline.
	Audience string `cbor:"2,keyasint"`

	// Grants are the pre-resolved grants for this subject.
	Grants []Grant `cbor:"3,keyasint,omitempty"`

	// ID is a unique token identifier (hex string), used for
	// revocation.
	ID string `cbor:"4,keyasint"`

	// IssuedAt is a Unix timestamp (seconds) of when the token was
	// minted.
	IssuedAt int64 `cbor:"5,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds) after which the token
	// is no longer valid.
	ExpiresAt int64 `cbor:"6,keyasint"`
}

// Errors returned by Verify and related functions.
var (
	ErrTokenTooShort    = errors.New("sensortoken: token too short for signature")
	ErrInvalidSignature = errors.New("sensortoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("sensortoken: token has expired")
	ErrAudienceMismatch = errors.New("sensortoken: audience does not match")
	ErrTokenRevoked     = errors.New("sensortoken: token has been revoked")
)

// Mint signs a Token with the operator's private key and returns the
// raw wire-format bytes: CBOR-encoded payload followed by the 64-byte
// Ed25519 signature.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("sensortoken: encoding token payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)

	return result, nil
}

// Verify splits the raw token bytes, verifies the Ed25519 signature,
// CBOR-decodes the payload, and checks expiry. Returns the decoded
// Token on success.
//
// The caller should additionally check the Audience field and consult
// [Revocations] for revoked token IDs.
func Verify(publicKey ed25519.PublicKey, tokenBytes []byte) (*Token, error) {
	return VerifyAt(publicKey, tokenBytes, time.Now())
}

// VerifyAt is like Verify but accepts an explicit time for expiry
// checks. This supports deterministic testing.
func VerifyAt(publicKey ed25519.PublicKey, tokenBytes []byte, now time.Time) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	splitPoint := len(tokenBytes) - signatureSize
	payload := tokenBytes[:splitPoint]
	signature := tokenBytes[splitPoint:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("sensortoken: decoding token payload: %w", err)
	}

	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &token, nil
}

// VerifyForService combines Verify with an audience check. This is the
// standard verification path for the collector: verify signature,
// check expiry, and confirm the token is scoped to the pipeline.
func VerifyForService(publicKey ed25519.PublicKey, tokenBytes []byte, expectedAudience string) (*Token, error) {
	return VerifyForServiceAt(publicKey, tokenBytes, expectedAudience, time.Now())
}

// VerifyForServiceAt is like VerifyForService but accepts an explicit time.
func VerifyForServiceAt(publicKey ed25519.PublicKey, tokenBytes []byte, expectedAudience string, now time.Time) (*Token, error) {
	token, err := VerifyAt(publicKey, tokenBytes, now)
	if err != nil {
		return nil, err
	}

	if token.Audience != expectedAudience {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, token.Audience, expectedAudience)
	}

	return token, nil
}

// GrantsAllow checks whether the token's embedded grants authorize an
// action concerning a specific sensor. For actions with no sensor
// scope (empty sensorID), only the action patterns are checked. For
// sensor-scoped actions, a grant with an empty Sensors list matches
// any sensor.
func GrantsAllow(grants []Grant, action, sensorID string) bool {
	for _, grant := range grants {
		if !matchAnyPattern(grant.Actions, action) {
			continue
		}
		if sensorID == "" || len(grant.Sensors) == 0 {
			return true
		}
		if matchAnyPattern(grant.Sensors, sensorID) {
			return true
		}
	}
	return false
}
