// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/codec"
	"github.com/flume-telemetry/flume/lib/sensortoken"
	"github.com/flume-telemetry/flume/lib/service"
	"github.com/flume-telemetry/flume/lib/testutil"
	"github.com/flume-telemetry/flume/lib/wire"
)

var testEpoch = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func mintSensorToken(t *testing.T, privateKey ed25519.PrivateKey, subject string) []byte {
	t.Helper()
	tokenBytes, err := sensortoken.Mint(privateKey, &sensortoken.Token{
		Subject:  subject,
		Audience: sensortoken.AudiencePipeline,
		Grants: []sensortoken.Grant{
			{Actions: []string{"pipeline/*"}},
		},
		ID:        "sensor-token",
		IssuedAt:  testEpoch.Add(-time.Hour).Unix(),
		ExpiresAt: testEpoch.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return tokenBytes
}

// fakeCollector is a scripted collector control endpoint: envelopes
// from the sensor arrive on fromSensor, envelopes queued on toSensor
// are written to the stream.
type fakeCollector struct {
	addr       string
	tokenBytes []byte
	fromSensor chan wire.Envelope
	toSensor   chan wire.Envelope
}

func startFakeCollector(t *testing.T) *fakeCollector {
	t.Helper()

	public, private, err := sensortoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	collector := &fakeCollector{
		tokenBytes: mintSensorToken(t, private, "site-01"),
		fromSensor: make(chan wire.Envelope, 16),
		toSensor:   make(chan wire.Envelope, 16),
	}

	server := service.NewSocketServer("tcp", "127.0.0.1:0", slog.New(slog.DiscardHandler), &service.AuthConfig{
		PublicKey:   public,
		Audience:    sensortoken.AudiencePipeline,
		Revocations: sensortoken.NewRevocations(),
		Clock:       clock.Fake(testEpoch),
	})
	server.HandleAuthStream("control", func(ctx context.Context, token *sensortoken.Token, raw []byte, conn net.Conn) {
		encoder := codec.NewEncoder(conn)
		if err := encoder.Encode(service.StreamAck{OK: true}); err != nil {
			return
		}
		go func() {
			for envelope := range collector.toSensor {
				if err := encoder.Encode(envelope); err != nil {
					return
				}
			}
		}()
		decoder := codec.NewDecoder(conn)
		for {
			var envelope wire.Envelope
			if err := decoder.Decode(&envelope); err != nil {
				return
			}
			collector.fromSensor <- envelope
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "waiting for collector shutdown")
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "waiting for collector listener")

	collector.addr = server.Addr().String()
	return collector
}

// expectBody reads envelopes until one carries the wanted body type,
// skipping others, and returns the decoded body.
func expectBody(t *testing.T, collector *fakeCollector, bodyType string) any {
	t.Helper()
	for {
		envelope := testutil.RequireReceive(t, collector.fromSensor, 5*time.Second,
			"waiting for %s envelope", bodyType)
		if envelope.SensorID != "site-01" {
			t.Errorf("envelope sensor_id = %q, want site-01", envelope.SensorID)
		}
		if envelope.BodyType != bodyType {
			continue
		}
		body, err := envelope.DecodeBody()
		if err != nil {
			t.Fatalf("DecodeBody(%s): %v", bodyType, err)
		}
		return body
	}
}

func (c *fakeCollector) send(t *testing.T, body any) {
	t.Helper()
	envelope, err := wire.NewEnvelope("site-01", body, testEpoch)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	testutil.RequireSend(t, c.toSensor, envelope, 5*time.Second, "sending to sensor")
}

func TestControlSessionFlow(t *testing.T) {
	collector := startFakeCollector(t)
	queue, fakeClock, _ := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sequences, err := queue.Enqueue(ctx, makeChunks(t, 2))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sender := &fakeSender{
		respond: func(batch wire.BatchRequest) (wire.BatchResponse, error) {
			return wire.BatchResponse{Accepted: len(batch.Chunks)}, nil
		},
	}
	dispatcher := NewDispatcher(DispatcherConfig{
		SensorID: "site-01",
		Queue:    queue,
		Sender:   sender,
		Clock:    fakeClock,
		Logger:   slog.New(slog.DiscardHandler),
	})
	control := NewControlChannel(ControlConfig{
		SensorID:          "site-01",
		Client:            service.NewServiceClientFromToken("tcp", collector.addr, collector.tokenBytes),
		Dispatcher:        dispatcher,
		Queue:             queue,
		HeartbeatInterval: time.Minute,
		Clock:             fakeClock,
		Logger:            slog.New(slog.DiscardHandler),
	})

	runDone := make(chan error, 1)
	go func() {
		runDone <- control.Run(ctx)
	}()

	// The first heartbeat is sent immediately on connect.
	heartbeat := expectBody(t, collector, wire.BodyHeartbeat).(wire.Heartbeat)
	if heartbeat.QueueDepth != 2 {
		t.Errorf("heartbeat queue_depth = %d, want 2", heartbeat.QueueDepth)
	}
	if heartbeat.SoftwareVersion == "" {
		t.Error("heartbeat software_version is empty")
	}

	// A chunk request triggers a batch on the data channel.
	collector.send(t, wire.ChunkRequest{
		MaxChunks: 10,
		WindowID:  "w1",
	})
	deadline := time.Now().Add(5 * time.Second)
	for len(sender.sentBatches()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for batch send")
		}
		time.Sleep(5 * time.Millisecond)
	}
	batch := sender.sentBatches()[0]
	if batch.WindowID != "w1" || len(batch.Chunks) != 2 {
		t.Fatalf("batch = %s with %d chunks, want w1 with 2", batch.WindowID, len(batch.Chunks))
	}

	// An ack prunes the queue and is confirmed back on the stream.
	collector.send(t, wire.ChunkAck{
		WindowID:              "w1",
		CommittedUpToSequence: sequences[1],
	})
	confirmation := expectBody(t, collector, wire.BodyChunkAck).(wire.ChunkAck)
	if confirmation.CommittedUpToSequence != sequences[1] {
		t.Errorf("confirmation committed = %d, want %d", confirmation.CommittedUpToSequence, sequences[1])
	}

	depth, _ := queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("queue depth after ack = %d, want 0", depth)
	}

	cancel()
	if err := testutil.RequireReceive(t, runDone, 5*time.Second, "waiting for Run"); err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestControlFatalErrorStopsReconnecting(t *testing.T) {
	collector := startFakeCollector(t)
	queue, fakeClock, _ := testQueue(t)
	ctx := context.Background()

	dispatcher := NewDispatcher(DispatcherConfig{
		SensorID: "site-01",
		Queue:    queue,
		Sender:   &fakeSender{},
		Clock:    fakeClock,
		Logger:   slog.New(slog.DiscardHandler),
	})
	control := NewControlChannel(ControlConfig{
		SensorID:          "site-01",
		Client:            service.NewServiceClientFromToken("tcp", collector.addr, collector.tokenBytes),
		Dispatcher:        dispatcher,
		Queue:             queue,
		HeartbeatInterval: time.Minute,
		Clock:             fakeClock,
		Logger:            slog.New(slog.DiscardHandler),
	})

	runDone := make(chan error, 1)
	go func() {
		runDone <- control.Run(ctx)
	}()

	expectBody(t, collector, wire.BodyHeartbeat)
	collector.send(t, wire.ErrorFrame{
		Code:    "unauthorized_sensor",
		Message: "sensor not in registry",
		Fatal:   true,
	})

	err := testutil.RequireReceive(t, runDone, 5*time.Second, "waiting for fatal exit")
	if err == nil {
		t.Fatal("expected error from fatal frame")
	}
}

func TestControlAuthRejectionIsFatal(t *testing.T) {
	collector := startFakeCollector(t)
	queue, fakeClock, _ := testQueue(t)

	// A token signed by the wrong key is rejected at the handshake.
	_, wrongKey, err := sensortoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	badToken := mintSensorToken(t, wrongKey, "site-01")

	dispatcher := NewDispatcher(DispatcherConfig{
		SensorID: "site-01",
		Queue:    queue,
		Sender:   &fakeSender{},
		Clock:    fakeClock,
		Logger:   slog.New(slog.DiscardHandler),
	})
	control := NewControlChannel(ControlConfig{
		SensorID:          "site-01",
		Client:            service.NewServiceClientFromToken("tcp", collector.addr, badToken),
		Dispatcher:        dispatcher,
		Queue:             queue,
		HeartbeatInterval: time.Minute,
		Clock:             fakeClock,
		Logger:            slog.New(slog.DiscardHandler),
	})

	runDone := make(chan error, 1)
	go func() {
		runDone <- control.Run(context.Background())
	}()

	err = testutil.RequireReceive(t, runDone, 5*time.Second, "waiting for auth rejection")
	if err == nil {
		t.Fatal("expected fatal error for rejected credentials")
	}
}
