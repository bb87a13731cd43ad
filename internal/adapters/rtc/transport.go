package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

var (
	errTransportClosed   = errors.New("rtc: transport closed")
	errAlreadyConnected  = errors.New("rtc: transport already connected")
	errForeignProducer   = errors.New("rtc: producer belongs to another engine")
	errTransportNotReady = errors.New("rtc: transport not connected in time")
)

// closeHooks runs registered callbacks once, after the owner released its resources.
type closeHooks struct {
	mu     sync.Mutex
	closed bool
	fns    []func()
}

func (h *closeHooks) add(fn func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		fn()
		return
	}
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

// begin marks the owner closed. Only the first caller gets ok.
func (h *closeHooks) begin() (fns []func(), ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.closed = true
	fns, h.fns = h.fns, nil
	return fns, true
}

type transport struct {
	id     string
	opts   core.TransportOptions
	engine *Engine
	params core.TransportParameters

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	connected atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	hooks     closeHooks

	mu        sync.Mutex
	producers map[string]*producer
	consumers map[string]*consumer
}

func newTransport(e *Engine, opts core.TransportOptions, g *webrtc.ICEGatherer, ice *webrtc.ICETransport, dtls *webrtc.DTLSTransport) *transport {
	t := &transport{
		id:        uuid.NewString(),
		opts:      opts,
		engine:    e,
		gatherer:  g,
		ice:       ice,
		dtls:      dtls,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		log.Info().Str("module", "rtc.transport").Str("transport", t.id).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICETransportStateFailed || s == webrtc.ICETransportStateClosed {
			_ = t.Close()
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		log.Info().Str("module", "rtc.transport").Str("transport", t.id).Str("dtls_state", s.String()).Msg("DTLS state")
		if s == webrtc.DTLSTransportStateFailed || s == webrtc.DTLSTransportStateClosed {
			_ = t.Close()
		}
	})
	return t
}

func (t *transport) ID() string                           { return t.id }
func (t *transport) Parameters() core.TransportParameters { return t.params }
func (t *transport) OnClose(fn func())                    { t.hooks.add(fn) }

// Connect validates the remote parameters and runs the ICE/DTLS handshake in the background.
func (t *transport) Connect(_ context.Context, p core.ConnectParams) error {
	if p.ICEParameters == nil || p.ICEParameters.UsernameFragment == "" || p.ICEParameters.Password == "" {
		return fmt.Errorf("%w: remote ice parameters required", domain.ErrBadPayload)
	}
	if len(p.DTLSParameters.Fingerprints) == 0 {
		return fmt.Errorf("%w: dtls fingerprints required", domain.ErrBadPayload)
	}
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	if !t.connected.CompareAndSwap(false, true) {
		return errAlreadyConnected
	}
	go t.handshake(p)
	return nil
}

func (t *transport) handshake(p core.ConnectParams) {
	logger := log.With().Str("module", "rtc.transport").Str("transport", t.id).Logger()
	if len(p.ICECandidates) > 0 {
		if err := t.ice.SetRemoteCandidates(p.ICECandidates); err != nil {
			logger.Error().Err(err).Msg("set remote candidates failed")
			_ = t.Close()
			return
		}
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, *p.ICEParameters, &role); err != nil {
		logger.Error().Err(err).Msg("ice start failed")
		_ = t.Close()
		return
	}
	if err := t.dtls.Start(p.DTLSParameters); err != nil {
		logger.Error().Err(err).Msg("dtls start failed")
		_ = t.Close()
		return
	}
	t.readyOnce.Do(func() { close(t.ready) })
	logger.Info().Msg("transport connected")
}

// waitReady blocks until DTLS is up. SRTP streams cannot be opened before that.
func (t *transport) waitReady(ctx context.Context) error {
	timer := time.NewTimer(t.engine.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return errTransportClosed
	case <-timer.C:
		return errTransportNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *transport) Produce(ctx context.Context, kind core.MediaKind, rp core.RtpParameters) (core.EngineProducer, error) {
	if len(rp.Codecs) == 0 || len(rp.Encodings) == 0 {
		return nil, fmt.Errorf("%w: codecs and encodings required", domain.ErrBadPayload)
	}
	codec, err := t.engine.codecs.lookup(kind, rp.Codecs[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadPayload, err)
	}
	if err := t.waitReady(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.engine.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtc: new receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				RID:         rp.Encodings[0].RID,
				SSRC:        webrtc.SSRC(rp.Encodings[0].SSRC),
				PayloadType: codec.PayloadType,
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("rtc: receive: %w", err)
	}

	p := &producer{
		id:        uuid.NewString(),
		kind:      kind,
		codec:     codec,
		transport: t,
		receiver:  receiver,
	}
	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, errTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.engine.relays.StartRelay(t.engine.ctx, p.id, receiver.Track())
	log.Info().Str("module", "rtc.transport").Str("transport", t.id).Str("producer", p.id).Str("kind", string(kind)).Str("codec", codec.MimeType).Msg("producer created")
	return p, nil
}

func (t *transport) Consume(ctx context.Context, ep core.EngineProducer, caps core.RtpCapabilities) (core.EngineConsumer, error) {
	p, ok := ep.(*producer)
	if !ok {
		return nil, errForeignProducer
	}
	if !caps.Supports(p.codec.MimeType) {
		return nil, domain.ErrCannotConsume
	}
	if err := t.waitReady(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(p.codec.RTPCodecCapability, string(p.kind)+"-"+id, p.id)
	if err != nil {
		return nil, fmt.Errorf("rtc: local track: %w", err)
	}
	sender, err := t.engine.api.NewRTPSender(local, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtc: new sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtc: send: %w", err)
	}
	go drainRTCP(sender)

	if !t.engine.relays.Subscribe(p.id, id, local) {
		_ = sender.Stop()
		return nil, domain.ErrProducerNotFound
	}

	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}
	c := &consumer{
		id:         id,
		producerID: p.id,
		kind:       p.kind,
		transport:  t,
		sender:     sender,
		params: core.RtpParameters{
			Codecs:    []core.RtpCodec{toCoreCodec(p.codec)},
			Encodings: []core.RtpEncoding{{SSRC: ssrc, MaxBitrate: t.engine.cfg.consumerBitrate()}},
		},
	}
	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		t.engine.relays.Unsubscribe(p.id, id)
		_ = sender.Stop()
		return nil, errTransportClosed
	}
	t.consumers[id] = c
	t.mu.Unlock()

	log.Info().Str("module", "rtc.transport").Str("transport", t.id).Str("consumer", id).Str("producer", p.id).Uint32("ssrc", ssrc).Msg("consumer created")
	return c, nil
}

func (t *transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *transport) forgetProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *transport) forgetConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// Close tears down every track on the transport, then ICE and DTLS. Safe to call repeatedly.
func (t *transport) Close() error {
	fns, ok := t.hooks.begin()
	if !ok {
		return nil
	}
	t.mu.Lock()
	close(t.done)
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	err := errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
	log.Info().Str("module", "rtc.transport").Str("transport", t.id).Msg("transport closed")

	for _, fn := range fns {
		fn()
	}
	return err
}

func drainRTCP(sender *webrtc.RTPSender) {
	for {
		if _, _, err := sender.ReadRTCP(); err != nil {
			return
		}
	}
}
