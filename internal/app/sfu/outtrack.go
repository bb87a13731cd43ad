package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// OutTrack is one consumer's copy of a producer stream.
type OutTrack struct {
	ConsumerID string
	Track      *webrtc.TrackLocalStaticRTP

	closed  atomic.Bool
	packets atomic.Uint64
}

func NewOutTrack(consumerID string, track *webrtc.TrackLocalStaticRTP) *OutTrack {
	return &OutTrack{ConsumerID: consumerID, Track: track}
}

// Close stops forwarding; the relay drops the track on its next packet.
func (ot *OutTrack) Close() { ot.closed.Store(true) }

func (ot *OutTrack) Closed() bool { return ot.closed.Load() }

// Packets is the number of RTP packets written so far.
func (ot *OutTrack) Packets() uint64 { return ot.packets.Load() }

// write reports false once the track is closed or its writer failed.
func (ot *OutTrack) write(pkt *rtp.Packet) (bool, error) {
	if ot.closed.Load() {
		return false, nil
	}
	if err := ot.Track.WriteRTP(pkt); err != nil {
		ot.closed.Store(true)
		return false, err
	}
	ot.packets.Add(1)
	return true, nil
}
