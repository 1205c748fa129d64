// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/flume-telemetry/flume/lib/codec"
	"github.com/flume-telemetry/flume/lib/sensortoken"
	"github.com/flume-telemetry/flume/lib/service"
	"github.com/flume-telemetry/flume/lib/wire"
)

func TestWatchHubFansOut(t *testing.T) {
	hub := NewWatchHub(slog.New(slog.DiscardHandler))
	first, cancelFirst := hub.Subscribe()
	defer cancelFirst()
	second, cancelSecond := hub.Subscribe()
	defer cancelSecond()

	hub.Publish(wire.StreamFrame{Type: wire.FrameSnapshot})
	for _, frames := range []<-chan wire.StreamFrame{first, second} {
		select {
		case frame := <-frames:
			if frame.Type != wire.FrameSnapshot {
				t.Errorf("frame type = %q", frame.Type)
			}
		default:
			t.Error("subscriber missed frame")
		}
	}
}

func TestWatchHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewWatchHub(slog.New(slog.DiscardHandler))
	frames, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Publish(wire.StreamFrame{Type: wire.FrameSnapshot})
	}

	received := 0
	for {
		select {
		case <-frames:
			received++
			continue
		default:
		}
		break
	}
	if received != subscriberBuffer {
		t.Errorf("received %d frames, want %d", received, subscriberBuffer)
	}
}

func TestWatchHubCancelStopsDelivery(t *testing.T) {
	hub := NewWatchHub(slog.New(slog.DiscardHandler))
	frames, cancel := hub.Subscribe()
	cancel()
	cancel() // idempotent

	hub.Publish(wire.StreamFrame{Type: wire.FrameSnapshot})
	select {
	case <-frames:
		t.Error("canceled subscriber received frame")
	default:
	}
	if hub.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0", hub.Subscribers())
	}
}

func mintConsumerToken(t *testing.T, privateKey ed25519.PrivateKey, actions ...string) []byte {
	t.Helper()
	tokenBytes, err := sensortoken.Mint(privateKey, &sensortoken.Token{
		Subject:  "dashboard",
		Audience: sensortoken.AudiencePipeline,
		Grants: []sensortoken.Grant{
			{Actions: actions},
		},
		ID:        "consumer-token",
		IssuedAt:  testEpoch.Add(-time.Hour).Unix(),
		ExpiresAt: testEpoch.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return tokenBytes
}

// openWatch dials a watch stream and consumes the readiness ack.
func openWatch(t *testing.T, collector *testCollector) (net.Conn, *codec.Decoder) {
	t.Helper()
	client := service.NewServiceClientFromToken("tcp", collector.addr,
		mintConsumerToken(t, collector.privateKey, sensortoken.ActionWatch))
	conn, err := client.Stream(context.Background(), "watch", nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	decoder := codec.NewDecoder(conn)
	var ack service.StreamAck
	if err := decoder.Decode(&ack); err != nil {
		t.Fatalf("reading stream ack: %v", err)
	}
	if !ack.OK {
		t.Fatalf("stream rejected: %s", ack.Error)
	}
	return conn, decoder
}

func readFrame(t *testing.T, decoder *codec.Decoder) wire.StreamFrame {
	t.Helper()
	var frame wire.StreamFrame
	if err := decoder.Decode(&frame); err != nil {
		t.Fatalf("reading stream frame: %v", err)
	}
	return frame
}

func TestWatchStreamBatchThenLiveFrames(t *testing.T) {
	collector := startTestCollector(t, "site-01")

	first, firstPayload := makeEvent(t, "site-01", 1, 100)
	ingestBatch(t, collector.testPipeline, sensorToken("site-01"), wire.BatchRequest{
		SensorID: "site-01",
		WindowID: "w1",
		Chunks:   first,
	})

	_, decoder := openWatch(t, collector)

	batch := readFrame(t, decoder)
	if batch.Type != wire.FrameSnapshotBatch {
		t.Fatalf("first frame type = %q, want snapshot_batch", batch.Type)
	}
	if len(batch.Snapshots) != 1 || !bytes.Equal(batch.Snapshots[0].Payload, firstPayload) {
		t.Fatal("batch does not carry current state")
	}

	second, secondPayload := makeEvent(t, "site-01", 2, 150)
	ingestBatch(t, collector.testPipeline, sensorToken("site-01"), wire.BatchRequest{
		SensorID: "site-01",
		WindowID: "w2",
		Chunks:   second,
	})

	live := readFrame(t, decoder)
	if live.Type != wire.FrameSnapshot {
		t.Fatalf("live frame type = %q, want snapshot", live.Type)
	}
	if live.Snapshot == nil || !bytes.Equal(live.Snapshot.Payload, secondPayload) {
		t.Fatal("live frame does not carry the new event")
	}
}

func TestWatchStreamHeartbeats(t *testing.T) {
	collector := startTestCollector(t, "site-01")
	_, decoder := openWatch(t, collector)

	batch := readFrame(t, decoder)
	if batch.Type != wire.FrameSnapshotBatch {
		t.Fatalf("first frame type = %q", batch.Type)
	}

	// The handler's heartbeat ticker is the only pending timer.
	collector.clock.WaitForTimers(1)
	collector.clock.Advance(10 * time.Second)

	heartbeat := readFrame(t, decoder)
	if heartbeat.Type != wire.FrameHeartbeat {
		t.Fatalf("frame type = %q, want heartbeat", heartbeat.Type)
	}
}

func TestWatchRequiresGrant(t *testing.T) {
	collector := startTestCollector(t, "site-01")
	client := service.NewServiceClientFromToken("tcp", collector.addr,
		mintConsumerToken(t, collector.privateKey, sensortoken.ActionSnapshot))
	conn, err := client.Stream(context.Background(), "watch", nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack service.StreamAck
	if err := codec.NewDecoder(conn).Decode(&ack); err != nil {
		t.Fatalf("reading stream ack: %v", err)
	}
	if ack.OK {
		t.Fatal("stream accepted without watch grant")
	}
}
