package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/core"
)

type producer struct {
	id        string
	kind      core.MediaKind
	codec     webrtc.RTPCodecParameters
	transport *transport
	receiver  *webrtc.RTPReceiver
	hooks     closeHooks
}

func (p *producer) ID() string          { return p.id }
func (p *producer) Kind() core.MediaKind { return p.kind }
func (p *producer) OnClose(fn func())   { p.hooks.add(fn) }

func (p *producer) SetPaused(paused bool) {
	p.transport.engine.relays.SetPaused(p.id, paused)
}

func (p *producer) Close() error {
	fns, ok := p.hooks.begin()
	if !ok {
		return nil
	}
	p.transport.engine.relays.StopRelay(p.id)
	err := p.receiver.Stop()
	p.transport.forgetProducer(p.id)
	log.Info().Str("module", "rtc.producer").Str("producer", p.id).Msg("producer closed")
	for _, fn := range fns {
		fn()
	}
	return err
}

type consumer struct {
	id         string
	producerID string
	kind       core.MediaKind
	params     core.RtpParameters
	transport  *transport
	sender     *webrtc.RTPSender
	hooks      closeHooks
}

func (c *consumer) ID() string                        { return c.id }
func (c *consumer) ProducerID() string                { return c.producerID }
func (c *consumer) Kind() core.MediaKind              { return c.kind }
func (c *consumer) RtpParameters() core.RtpParameters { return c.params }
func (c *consumer) OnClose(fn func())                 { c.hooks.add(fn) }

func (c *consumer) Close() error {
	fns, ok := c.hooks.begin()
	if !ok {
		return nil
	}
	c.transport.engine.relays.Unsubscribe(c.producerID, c.id)
	err := c.sender.Stop()
	c.transport.forgetConsumer(c.id)
	log.Info().Str("module", "rtc.consumer").Str("consumer", c.id).Msg("consumer closed")
	for _, fn := range fns {
		fn()
	}
	return err
}
