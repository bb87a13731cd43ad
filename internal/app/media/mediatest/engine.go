// Package mediatest provides an in-memory media engine for tests.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/quasipeer/internal/core"
)

var ErrClosed = errors.New("mediatest: closed")

type Engine struct {
	seq  atomic.Int64
	died chan error

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
	// FailCreate makes CreateTransport fail with this error.
	FailCreate error
	// CloseOnCreate hands out transports that are already closed.
	CloseOnCreate bool
}

var _ core.MediaEngine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{
		died:       make(chan error, 1),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

func (e *Engine) next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

func (e *Engine) CreateTransport(_ context.Context, opts core.TransportOptions) (core.EngineTransport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailCreate != nil {
		return nil, e.FailCreate
	}
	t := &Transport{id: e.next("t"), engine: e, Owner: opts.Owner}
	e.transports[t.id] = t
	if e.CloseOnCreate {
		t.hooks.fire()
	}
	return t, nil
}

func (e *Engine) Capabilities() core.RtpCapabilities {
	return core.RtpCapabilities{Codecs: []core.RtpCodec{
		{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2},
		{MimeType: webrtc.MimeTypeVP8, PayloadType: 96, ClockRate: 90000},
	}}
}

func (e *Engine) Died() <-chan error { return e.died }

// Kill simulates the engine worker dying.
func (e *Engine) Kill(err error) { e.died <- err }

func (e *Engine) Close() error { return nil }

// Transport returns a created transport by id.
func (e *Engine) Transport(id string) *Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transports[id]
}

// Producer returns a created producer by id.
func (e *Engine) Producer(id string) *Producer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.producers[id]
}

type hooks struct {
	mu     sync.Mutex
	closed bool
	fns    []func()
}

func (h *hooks) add(fn func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		fn()
		return
	}
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *hooks) fire() bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return true
}

type Transport struct {
	id        string
	engine    *Engine
	Owner     string
	Connected atomic.Bool
	hooks     hooks
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Parameters() core.TransportParameters {
	return core.TransportParameters{
		ID:            t.id,
		ICEParameters: webrtc.ICEParameters{UsernameFragment: "ufrag-" + t.id, Password: "pwd-" + t.id},
		ICECandidates: []webrtc.ICECandidate{{Foundation: "1", Priority: 1, Address: "127.0.0.1", Protocol: webrtc.ICEProtocolUDP, Port: 40000, Typ: webrtc.ICECandidateTypeHost}},
		DTLSParameters: webrtc.DTLSParameters{
			Role:         webrtc.DTLSRoleAuto,
			Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) Connect(context.Context, core.ConnectParams) error {
	if t.Closed() {
		return ErrClosed
	}
	t.Connected.Store(true)
	return nil
}

func (t *Transport) Produce(_ context.Context, kind core.MediaKind, _ core.RtpParameters) (core.EngineProducer, error) {
	p := &Producer{id: t.engine.next("p"), kind: kind}
	t.engine.mu.Lock()
	t.engine.producers[p.id] = p
	t.engine.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, p core.EngineProducer, caps core.RtpCapabilities) (core.EngineConsumer, error) {
	return &Consumer{id: t.engine.next("c"), producerID: p.ID(), kind: p.Kind()}, nil
}

func (t *Transport) OnClose(fn func()) { t.hooks.add(fn) }

func (t *Transport) Closed() bool {
	t.hooks.mu.Lock()
	defer t.hooks.mu.Unlock()
	return t.hooks.closed
}

// Close simulates either side closing the transport.
func (t *Transport) Close() error {
	t.hooks.fire()
	return nil
}

type Producer struct {
	id    string
	kind  core.MediaKind
	hooks hooks

	Paused atomic.Bool
}

func (p *Producer) ID() string           { return p.id }
func (p *Producer) Kind() core.MediaKind { return p.kind }
func (p *Producer) OnClose(fn func())    { p.hooks.add(fn) }
func (p *Producer) SetPaused(v bool)     { p.Paused.Store(v) }
func (p *Producer) Close() error         { p.hooks.fire(); return nil }

type Consumer struct {
	id         string
	producerID string
	kind       core.MediaKind
	hooks      hooks
	Closed     atomic.Bool
}

func (c *Consumer) ID() string           { return c.id }
func (c *Consumer) ProducerID() string   { return c.producerID }
func (c *Consumer) Kind() core.MediaKind { return c.kind }
func (c *Consumer) RtpParameters() core.RtpParameters {
	return core.RtpParameters{
		Codecs:    []core.RtpCodec{{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000}},
		Encodings: []core.RtpEncoding{{SSRC: 1234}},
	}
}
func (c *Consumer) OnClose(fn func()) { c.hooks.add(fn) }
func (c *Consumer) Close() error {
	c.Closed.Store(true)
	c.hooks.fire()
	return nil
}
