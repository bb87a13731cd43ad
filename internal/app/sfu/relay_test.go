package sfu

import (
	"context"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

func newLocalTrack(t *testing.T) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "stream")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return track
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq}}
}

func TestForwardCountsAndDropsClosedTracks(t *testing.T) {
	r := NewRelay(nil, func() {})
	live := NewOutTrack("c1", newLocalTrack(t))
	gone := NewOutTrack("c2", newLocalTrack(t))
	r.add(live)
	r.add(gone)
	gone.Close()

	logger := zerolog.Nop()
	r.forward(packet(1), &logger)
	r.forward(packet(2), &logger)
	if n := r.Subscribers(); n != 1 {
		t.Fatalf("expected 1 subscriber after cleanup, got %d", n)
	}
	if live.Packets() != 2 || gone.Packets() != 0 {
		t.Fatalf("unexpected counts live=%d gone=%d", live.Packets(), gone.Packets())
	}
}

func TestManagerWithoutRelay(t *testing.T) {
	m := NewRelayManager()
	if m.Subscribe("p1", "c1", newLocalTrack(t)) {
		t.Fatalf("subscribe must fail without a relay")
	}
	if m.SetPaused("p1", true) {
		t.Fatalf("pause must fail without a relay")
	}
	m.Unsubscribe("p1", "c1")
	m.StopRelay("p1")
	if m.Count() != 0 {
		t.Fatalf("manager must stay empty")
	}
}

func TestPauseAndUnsubscribe(t *testing.T) {
	m := NewRelayManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRelay(nil, cancel)
	m.mu.Lock()
	m.relays["p1"] = r
	m.mu.Unlock()

	if !m.Subscribe("p1", "c1", newLocalTrack(t)) {
		t.Fatalf("subscribe failed")
	}
	if !m.SetPaused("p1", true) || !r.Paused() {
		t.Fatalf("relay must be paused")
	}
	m.SetPaused("p1", false)
	if r.Paused() {
		t.Fatalf("relay must resume")
	}

	m.Unsubscribe("p1", "c1")
	ot, _ := r.get("c1")
	if ot == nil || !ot.Closed() {
		t.Fatalf("unsubscribed track must be closed")
	}
	m.StopRelay("p1")
	if m.Count() != 0 || ctx.Err() == nil {
		t.Fatalf("stop must remove and cancel the relay")
	}
}
