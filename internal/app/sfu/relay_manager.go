package sfu

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RelayManager indexes relays by producer ID.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for the given producer and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, producerID string, track *webrtc.TrackRemote) {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("producer", producerID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Warn().Msg("replacing existing relay for producer")
		old.cancel()
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	go relay.loop(relayCtx, &logger)
}

func (m *RelayManager) relay(producerID string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[producerID]
	return r, ok
}

// Subscribe attaches a consumer's local track to the producer's relay.
// It reports false when the producer has no relay.
func (m *RelayManager) Subscribe(producerID, consumerID string, localTrack *webrtc.TrackLocalStaticRTP) bool {
	r, ok := m.relay(producerID)
	if !ok {
		return false
	}
	r.add(NewOutTrack(consumerID, localTrack))
	return true
}

func (m *RelayManager) Unsubscribe(producerID, consumerID string) {
	r, ok := m.relay(producerID)
	if !ok {
		return
	}
	if ot, ok := r.get(consumerID); ok {
		ot.Close()
	}
}

// SetPaused stops or resumes forwarding for every consumer of a producer.
func (m *RelayManager) SetPaused(producerID string, paused bool) bool {
	r, ok := m.relay(producerID)
	if !ok {
		return false
	}
	if r.paused.Swap(paused) != paused {
		log.Info().Str("module", "sfu.relay").Str("producer", producerID).Bool("paused", paused).Msg("relay state changed")
	}
	return true
}

func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	r, ok := m.relays[producerID]
	delete(m.relays, producerID)
	m.mu.Unlock()
	if ok {
		r.closeAll()
		r.cancel()
	}
}

// Count returns the number of running relays.
func (m *RelayManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
