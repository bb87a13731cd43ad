package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Relay copies RTP from one producer track to every consumer track attached to it.
// A paused relay keeps reading its source and discards the packets.
type Relay struct {
	Src *webrtc.TrackRemote

	mu        sync.RWMutex
	outTracks map[string]*OutTrack

	paused atomic.Bool
	cancel context.CancelFunc
}

func NewRelay(src *webrtc.TrackRemote, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		outTracks: make(map[string]*OutTrack),
		cancel:    cancel,
	}
}

func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay stopped")
			r.closeAll()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Warn().Err(err).Msg("relay source ended")
			r.closeAll()
			return
		}
		if r.paused.Load() {
			continue
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	var dead []string
	for consumerID, ot := range snapshot {
		ok, err := ot.write(pkt)
		if err != nil {
			logger.Warn().Err(err).Str("consumer", consumerID).Msg("consumer write failed, dropping")
		}
		if !ok {
			dead = append(dead, consumerID)
		}
	}
	if len(dead) > 0 {
		r.mu.Lock()
		for _, id := range dead {
			delete(r.outTracks, id)
		}
		r.mu.Unlock()
	}
}

func (r *Relay) closeAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ot := range r.outTracks {
		ot.Close()
	}
}

func (r *Relay) add(ot *OutTrack) {
	r.mu.Lock()
	r.outTracks[ot.ConsumerID] = ot
	r.mu.Unlock()
}

func (r *Relay) get(consumerID string) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[consumerID]
	return ot, ok
}

func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

func (r *Relay) Paused() bool { return r.paused.Load() }
