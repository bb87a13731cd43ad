// Package media keeps the index of live transports, producers and consumers
// and translates engine close events into participant cleanup.
package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

type transportEntry struct {
	t         core.EngineTransport
	owner     domain.ParticipantID
	producers map[string]struct{}
	consumers map[string]struct{}
	// set when the close was requested through the adapter
	explicit bool
}

type producerEntry struct {
	p         core.EngineProducer
	owner     domain.ParticipantID
	transport string
}

type consumerEntry struct {
	c         core.EngineConsumer
	owner     domain.ParticipantID
	transport string
}

type ProducerInfo struct {
	ID   string         `json:"id"`
	Kind core.MediaKind `json:"kind"`
}

type ConsumerInfo struct {
	ID            string             `json:"id"`
	ProducerID    string             `json:"producerId"`
	Kind          core.MediaKind     `json:"kind"`
	RtpParameters core.RtpParameters `json:"rtpParameters"`
}

type Stats struct {
	Transports int `json:"transports"`
	Producers  int `json:"producers"`
	Consumers  int `json:"consumers"`
}

// Adapter owns the transport/producer/consumer index. Only the adapter mutates it,
// either on explicit calls or on engine close events.
type Adapter struct {
	engine core.MediaEngine

	mu         sync.RWMutex
	transports map[string]*transportEntry
	producers  map[string]*producerEntry
	consumers  map[string]*consumerEntry
	// kinds held paused per participant, applied to later producers too
	paused map[domain.ParticipantID]map[core.MediaKind]bool

	alive             atomic.Bool
	onTransportClosed func(domain.ParticipantID, domain.TransportID)
	onProducerClosed  func(domain.ParticipantID, string)
	onFatal           func(error)
}

func NewAdapter(engine core.MediaEngine) *Adapter {
	a := &Adapter{
		engine:     engine,
		transports: make(map[string]*transportEntry),
		producers:  make(map[string]*producerEntry),
		consumers:  make(map[string]*consumerEntry),
		paused:     make(map[domain.ParticipantID]map[core.MediaKind]bool),
	}
	a.alive.Store(true)
	return a
}

// OnTransportClosed fires when the engine closed a transport on its own.
func (a *Adapter) OnTransportClosed(fn func(domain.ParticipantID, domain.TransportID)) {
	a.onTransportClosed = fn
}

// OnProducerClosed fires whenever a producer goes away, for any reason.
func (a *Adapter) OnProducerClosed(fn func(domain.ParticipantID, string)) { a.onProducerClosed = fn }

func (a *Adapter) OnFatal(fn func(error)) { a.onFatal = fn }

// Watch surfaces engine death to the fatal hook. It returns when ctx ends or the engine dies.
func (a *Adapter) Watch(ctx context.Context) {
	select {
	case <-ctx.Done():
	case err := <-a.engine.Died():
		a.alive.Store(false)
		log.Error().Err(err).Str("module", "media.adapter").Msg("media engine is gone")
		if a.onFatal != nil {
			a.onFatal(err)
		}
	}
}

func (a *Adapter) Alive() bool { return a.alive.Load() }

func (a *Adapter) Capabilities() core.RtpCapabilities { return a.engine.Capabilities() }

func (a *Adapter) CreateTransport(ctx context.Context, owner domain.ParticipantID, direction string) (core.TransportParameters, error) {
	t, err := a.engine.CreateTransport(ctx, core.TransportOptions{Owner: string(owner), Direction: direction})
	if err != nil {
		return core.TransportParameters{}, err
	}
	id := t.ID()
	// The hook is in place before the entry is published. A close that lands before the
	// publish is caught by gone; one after it finds the entry under a.mu.
	var gone atomic.Bool
	t.OnClose(func() {
		gone.Store(true)
		a.transportClosed(id)
	})
	a.mu.Lock()
	if gone.Load() {
		a.mu.Unlock()
		return core.TransportParameters{}, fmt.Errorf("%w: closed during setup", domain.ErrTransportNotFound)
	}
	a.transports[id] = &transportEntry{
		t:         t,
		owner:     owner,
		producers: make(map[string]struct{}),
		consumers: make(map[string]struct{}),
	}
	a.mu.Unlock()

	log.Info().Str("module", "media.adapter").Str("sid", string(owner)).Str("transport", id).Str("direction", direction).Msg("transport registered")
	return t.Parameters(), nil
}

// transport looks up an entry owned by owner. Foreign transports look missing.
func (a *Adapter) transport(owner domain.ParticipantID, id string) (*transportEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.transports[id]
	if !ok || e.owner != owner {
		return nil, domain.ErrTransportNotFound
	}
	return e, nil
}

func (a *Adapter) ConnectTransport(ctx context.Context, owner domain.ParticipantID, transportID string, params core.ConnectParams) error {
	e, err := a.transport(owner, transportID)
	if err != nil {
		return err
	}
	return e.t.Connect(ctx, params)
}

func (a *Adapter) Produce(ctx context.Context, owner domain.ParticipantID, transportID string, kind core.MediaKind, rtp core.RtpParameters) (ProducerInfo, error) {
	if !kind.Valid() {
		return ProducerInfo{}, fmt.Errorf("%w: unknown media kind %q", domain.ErrBadPayload, kind)
	}
	e, err := a.transport(owner, transportID)
	if err != nil {
		return ProducerInfo{}, err
	}
	p, err := e.t.Produce(ctx, kind, rtp)
	if err != nil {
		return ProducerInfo{}, err
	}
	id := p.ID()

	a.mu.Lock()
	if _, ok := a.transports[transportID]; !ok {
		// transport closed while the engine was producing
		a.mu.Unlock()
		_ = p.Close()
		return ProducerInfo{}, domain.ErrTransportNotFound
	}
	a.producers[id] = &producerEntry{p: p, owner: owner, transport: transportID}
	e.producers[id] = struct{}{}
	held := a.paused[owner][kind]
	a.mu.Unlock()
	if held {
		p.SetPaused(true)
	}
	p.OnClose(func() { a.producerClosed(id) })

	return ProducerInfo{ID: id, Kind: p.Kind()}, nil
}

func (a *Adapter) Consume(ctx context.Context, owner domain.ParticipantID, transportID, producerID string, caps core.RtpCapabilities) (ConsumerInfo, error) {
	e, err := a.transport(owner, transportID)
	if err != nil {
		return ConsumerInfo{}, err
	}
	a.mu.RLock()
	pe, ok := a.producers[producerID]
	a.mu.RUnlock()
	if !ok {
		return ConsumerInfo{}, domain.ErrProducerNotFound
	}
	c, err := e.t.Consume(ctx, pe.p, caps)
	if err != nil {
		return ConsumerInfo{}, err
	}
	id := c.ID()

	a.mu.Lock()
	_, tOK := a.transports[transportID]
	_, pOK := a.producers[producerID]
	if !tOK || !pOK {
		a.mu.Unlock()
		_ = c.Close()
		if !tOK {
			return ConsumerInfo{}, domain.ErrTransportNotFound
		}
		return ConsumerInfo{}, domain.ErrProducerNotFound
	}
	a.consumers[id] = &consumerEntry{c: c, owner: owner, transport: transportID}
	e.consumers[id] = struct{}{}
	a.mu.Unlock()
	c.OnClose(func() { a.consumerClosed(id) })

	return ConsumerInfo{ID: id, ProducerID: producerID, Kind: c.Kind(), RtpParameters: c.RtpParameters()}, nil
}

// CloseProducer closes a producer owned by owner along with its consumers.
func (a *Adapter) CloseProducer(owner domain.ParticipantID, producerID string) error {
	a.mu.RLock()
	pe, ok := a.producers[producerID]
	a.mu.RUnlock()
	if !ok || pe.owner != owner {
		return domain.ErrProducerNotFound
	}
	return pe.p.Close()
}

// ProducerOwner reports who produces producerID.
func (a *Adapter) ProducerOwner(producerID string) (domain.ParticipantID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pe, ok := a.producers[producerID]
	if !ok {
		return "", false
	}
	return pe.owner, true
}

// ProducersOf lists the live producers of a set of participants.
func (a *Adapter) ProducersOf(owners map[domain.ParticipantID]bool) map[domain.ParticipantID][]ProducerInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[domain.ParticipantID][]ProducerInfo)
	for id, pe := range a.producers {
		if owners[pe.owner] {
			out[pe.owner] = append(out[pe.owner], ProducerInfo{ID: id, Kind: pe.p.Kind()})
		}
	}
	return out
}

// PauseProducers stops or resumes forwarding of pid's media of one kind.
// The state sticks for producers created later.
func (a *Adapter) PauseProducers(pid domain.ParticipantID, kind core.MediaKind, paused bool) int {
	a.mu.Lock()
	if paused {
		if a.paused[pid] == nil {
			a.paused[pid] = make(map[core.MediaKind]bool)
		}
		a.paused[pid][kind] = true
	} else {
		delete(a.paused[pid], kind)
		if len(a.paused[pid]) == 0 {
			delete(a.paused, pid)
		}
	}
	var hit []core.EngineProducer
	for _, pe := range a.producers {
		if pe.owner == pid && pe.p.Kind() == kind {
			hit = append(hit, pe.p)
		}
	}
	a.mu.Unlock()

	for _, p := range hit {
		p.SetPaused(paused)
	}
	return len(hit)
}

// CloseParticipant closes every transport owned by pid.
func (a *Adapter) CloseParticipant(pid domain.ParticipantID) int {
	a.mu.Lock()
	delete(a.paused, pid)
	var owned []core.EngineTransport
	for _, e := range a.transports {
		if e.owner == pid {
			e.explicit = true
			owned = append(owned, e.t)
		}
	}
	a.mu.Unlock()

	for _, t := range owned {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("module", "media.adapter").Str("sid", string(pid)).Str("transport", t.ID()).Msg("transport close error")
		}
		// engines may close asynchronously; the index must not keep stale handles
		a.transportClosed(t.ID())
	}
	return len(owned)
}

// CloseAll closes every transport. Used on shutdown.
func (a *Adapter) CloseAll() {
	a.mu.Lock()
	all := make([]core.EngineTransport, 0, len(a.transports))
	for _, e := range a.transports {
		e.explicit = true
		all = append(all, e.t)
	}
	a.mu.Unlock()
	for _, t := range all {
		_ = t.Close()
		a.transportClosed(t.ID())
	}
}

func (a *Adapter) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{Transports: len(a.transports), Producers: len(a.producers), Consumers: len(a.consumers)}
}

// transportClosed drops a transport and everything on it from the index.
// It is idempotent: only the first call for an id does anything.
func (a *Adapter) transportClosed(id string) {
	a.mu.Lock()
	e, ok := a.transports[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.transports, id)
	var closedProducers []*producerEntry
	var closedProducerIDs []string
	for pid := range e.producers {
		if pe, ok := a.producers[pid]; ok {
			closedProducers = append(closedProducers, pe)
			closedProducerIDs = append(closedProducerIDs, pid)
			delete(a.producers, pid)
		}
	}
	for cid := range e.consumers {
		delete(a.consumers, cid)
	}
	dependents := a.dependentConsumersLocked(closedProducerIDs)
	a.mu.Unlock()

	for _, c := range dependents {
		_ = c.Close()
	}
	for i, pe := range closedProducers {
		_ = pe.p.Close()
		a.notifyProducerClosed(pe.owner, closedProducerIDs[i])
	}

	log.Info().Str("module", "media.adapter").Str("sid", string(e.owner)).Str("transport", id).Bool("explicit", e.explicit).Msg("transport deregistered")
	if !e.explicit && a.onTransportClosed != nil {
		a.onTransportClosed(e.owner, domain.TransportID(id))
	}
}

func (a *Adapter) producerClosed(id string) {
	a.mu.Lock()
	pe, ok := a.producers[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.producers, id)
	if e, ok := a.transports[pe.transport]; ok {
		delete(e.producers, id)
	}
	dependents := a.dependentConsumersLocked([]string{id})
	a.mu.Unlock()

	for _, c := range dependents {
		_ = c.Close()
	}
	a.notifyProducerClosed(pe.owner, id)
}

func (a *Adapter) consumerClosed(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ce, ok := a.consumers[id]
	if !ok {
		return
	}
	delete(a.consumers, id)
	if e, ok := a.transports[ce.transport]; ok {
		delete(e.consumers, id)
	}
}

// dependentConsumersLocked removes and returns consumers fed by the given producers.
func (a *Adapter) dependentConsumersLocked(producerIDs []string) []core.EngineConsumer {
	if len(producerIDs) == 0 {
		return nil
	}
	gone := make(map[string]bool, len(producerIDs))
	for _, id := range producerIDs {
		gone[id] = true
	}
	var out []core.EngineConsumer
	for cid, ce := range a.consumers {
		if gone[ce.c.ProducerID()] {
			out = append(out, ce.c)
			delete(a.consumers, cid)
			if e, ok := a.transports[ce.transport]; ok {
				delete(e.consumers, cid)
			}
		}
	}
	return out
}

func (a *Adapter) notifyProducerClosed(owner domain.ParticipantID, id string) {
	if a.onProducerClosed != nil {
		a.onProducerClosed(owner, id)
	}
}
