// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package sensortoken

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	public, private, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return public, private
}

func TestMintAndVerify(t *testing.T) {
	public, private := testKeypair(t)

	now := time.Now()
	token := &Token{
		Subject:  "sensor-lab-3",
		Audience: AudiencePipeline,
		Grants: []Grant{
			{Actions: []string{ActionControl, ActionIngest}},
			{Actions: []string{ActionWatch}, Sensors: []string{"sensor-lab-*"}},
		},
		ID:        "a1b2c3d4e5f6",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(24 * time.Hour).Unix(),
	}

	tokenBytes, err := Mint(private, token)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// Token should be CBOR payload + 64-byte signature.
	if len(tokenBytes) <= signatureSize {
		t.Fatalf("token too short: %d bytes", len(tokenBytes))
	}

	verified, err := Verify(public, tokenBytes)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if verified.Subject != "sensor-lab-3" {
		t.Errorf("Subject = %q, want sensor-lab-3", verified.Subject)
	}
	if verified.Audience != AudiencePipeline {
		t.Errorf("Audience = %q, want %q", verified.Audience, AudiencePipeline)
	}
	if verified.ID != "a1b2c3d4e5f6" {
		t.Errorf("ID = %q, want a1b2c3d4e5f6", verified.ID)
	}
	if len(verified.Grants) != 2 {
		t.Errorf("Grants length = %d, want 2", len(verified.Grants))
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	public, private := testKeypair(t)

	token := &Token{
		Subject:   "sensor-a",
		Audience:  AudiencePipeline,
		ID:        "t1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}
	tokenBytes, err := Mint(private, token)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tokenBytes[3] ^= 0xff
	if _, err := Verify(public, tokenBytes); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	_, private := testKeypair(t)
	otherPublic, _ := testKeypair(t)

	tokenBytes, err := Mint(private, &Token{
		Subject:   "sensor-a",
		Audience:  AudiencePipeline,
		ID:        "t1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := Verify(otherPublic, tokenBytes); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	public, private := testKeypair(t)

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tokenBytes, err := Mint(private, &Token{
		Subject:   "sensor-a",
		Audience:  AudiencePipeline,
		ID:        "t1",
		IssuedAt:  issued.Unix(),
		ExpiresAt: issued.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := VerifyAt(public, tokenBytes, issued.Add(30*time.Minute)); err != nil {
		t.Fatalf("VerifyAt before expiry: %v", err)
	}
	if _, err := VerifyAt(public, tokenBytes, issued.Add(2*time.Hour)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestVerifyTooShort(t *testing.T) {
	public, _ := testKeypair(t)
	if _, err := Verify(public, make([]byte, signatureSize)); !errors.Is(err, ErrTokenTooShort) {
		t.Fatalf("got %v, want ErrTokenTooShort", err)
	}
}

func TestVerifyForServiceAudience(t *testing.T) {
	public, private := testKeypair(t)

	tokenBytes, err := Mint(private, &Token{
		Subject:   "sensor-a",
		Audience:  "other-service",
		ID:        "t1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := VerifyForService(public, tokenBytes, AudiencePipeline); !errors.Is(err, ErrAudienceMismatch) {
		t.Fatalf("got %v, want ErrAudienceMismatch", err)
	}
}

func TestGrantsAllow(t *testing.T) {
	grants := []Grant{
		{Actions: []string{ActionIngest, ActionControl}},
		{Actions: []string{"pipeline/watch"}, Sensors: []string{"sensor-lab-*"}},
	}

	cases := []struct {
		action   string
		sensorID string
		want     bool
	}{
		{ActionIngest, "", true},
		{ActionControl, "anything", true},
		{ActionWatch, "sensor-lab-3", true},
		{ActionWatch, "sensor-field-9", false},
		{ActionRequest, "", false},
		{"pipeline/admin", "", false},
	}
	for _, tc := range cases {
		if got := GrantsAllow(grants, tc.action, tc.sensorID); got != tc.want {
			t.Errorf("GrantsAllow(%q, %q) = %v, want %v", tc.action, tc.sensorID, got, tc.want)
		}
	}
}

func TestGrantsAllowWildcardAction(t *testing.T) {
	grants := []Grant{{Actions: []string{"pipeline/*"}}}
	if !GrantsAllow(grants, ActionIngest, "sensor-a") {
		t.Fatal("pipeline/* should allow pipeline/ingest")
	}
	if GrantsAllow(grants, "admin/shutdown", "") {
		t.Fatal("pipeline/* should not allow admin/shutdown")
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"**", "anything/at/all", true},
		{"pipeline/*", "pipeline/ingest", true},
		{"pipeline/*", "pipeline/a/b", false},
		{"sensor-?", "sensor-1", true},
		{"lab/**", "lab", true},
		{"lab/**", "lab/rack-1/sensor-2", true},
		{"lab/**", "office/sensor-1", false},
		{"[bad", "anything", false},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.name); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestRevocations(t *testing.T) {
	revocations := NewRevocations()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	revocations.Revoke("expiring", now.Add(time.Hour))
	revocations.Revoke("permanent", time.Time{})

	if !revocations.IsRevoked("expiring") || !revocations.IsRevoked("permanent") {
		t.Fatal("revoked IDs not reported as revoked")
	}
	if revocations.IsRevoked("other") {
		t.Fatal("unrevoked ID reported as revoked")
	}

	if removed := revocations.Cleanup(now.Add(30 * time.Minute)); removed != 0 {
		t.Fatalf("early cleanup removed %d entries", removed)
	}
	if removed := revocations.Cleanup(now.Add(2 * time.Hour)); removed != 1 {
		t.Fatalf("cleanup removed %d entries, want 1", removed)
	}
	if revocations.IsRevoked("expiring") {
		t.Fatal("expired entry still revoked after cleanup")
	}
	if !revocations.IsRevoked("permanent") {
		t.Fatal("permanent entry removed by cleanup")
	}
}
