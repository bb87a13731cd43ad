package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, c *WsSignalConn, data []byte) {
	if _, ok := ctl.meetingOf(c, MsgCreateTransport); !ok {
		return
	}
	p, err := decode[createTransportMsg](ctl.validate, data)
	if err != nil {
		ctl.sendError(c, MsgCreateTransport, err)
		return
	}
	params, err := ctl.Orch.CreateTransport(ctx, c.pid, p.Direction)
	if err != nil {
		ctl.sendError(c, MsgCreateTransport, err)
		return
	}
	ctl.sendJSON(c, transportEvent{Type: MsgTransportParameters, TransportParameters: params, Direction: p.Direction})
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, c *WsSignalConn, data []byte) {
	if _, ok := ctl.meetingOf(c, MsgConnectTransport); !ok {
		return
	}
	p, err := decode[connectTransportMsg](ctl.validate, data)
	if err != nil {
		ctl.sendError(c, MsgConnectTransport, err)
		return
	}
	if len(p.DTLSParameters.Fingerprints) == 0 {
		ctl.sendError(c, MsgConnectTransport, fmt.Errorf("%w: dtlsParameters.fingerprints required", domain.ErrBadPayload))
		return
	}
	params := core.ConnectParams{
		ICEParameters:  p.ICEParameters,
		ICECandidates:  p.ICECandidates,
		DTLSParameters: p.DTLSParameters,
	}
	if err := ctl.Orch.ConnectTransport(ctx, c.pid, p.TransportID, params); err != nil {
		ctl.sendError(c, MsgConnectTransport, err)
		return
	}
	ctl.sendJSON(c, transportRefEvent{Type: MsgTransportConnected, TransportID: p.TransportID})
}

// handleProduce replies to the producer and announces the stream to everyone else.
func (ctl *SignalWSController) handleProduce(ctx context.Context, c *WsSignalConn, data []byte) {
	mid, ok := ctl.meetingOf(c, MsgProduce)
	if !ok {
		return
	}
	p, err := decode[produceMsg](ctl.validate, data)
	if err != nil {
		ctl.sendError(c, MsgProduce, err)
		return
	}
	info, err := ctl.Orch.Produce(ctx, c.pid, p.TransportID, p.Kind, p.RtpParameters)
	if err != nil {
		ctl.sendError(c, MsgProduce, err)
		return
	}
	ctl.sendJSON(c, producerEvent{Type: MsgProducerCreated, ID: info.ID, Kind: info.Kind})
	ctl.broadcast(mid, c.pid, producerEvent{Type: MsgNewProducer, ProducerID: info.ID, ParticipantID: c.pid, Kind: info.Kind})
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, c *WsSignalConn, data []byte) {
	if _, ok := ctl.meetingOf(c, MsgConsume); !ok {
		return
	}
	p, err := decode[consumeMsg](ctl.validate, data)
	if err != nil {
		ctl.sendError(c, MsgConsume, err)
		return
	}
	info, err := ctl.Orch.Consume(ctx, c.pid, p.TransportID, p.ProducerID, p.RtpCapabilities)
	if err != nil {
		ctl.sendError(c, MsgConsume, err)
		return
	}
	ctl.sendJSON(c, consumerEvent{Type: MsgConsumerCreated, ConsumerInfo: info})
}

// handleCloseProducer has no direct reply; producer-closed comes from the media close event.
func (ctl *SignalWSController) handleCloseProducer(c *WsSignalConn, data []byte) {
	if _, ok := ctl.meetingOf(c, MsgCloseProducer); !ok {
		return
	}
	p, err := decode[closeProducerMsg](ctl.validate, data)
	if err != nil {
		ctl.sendError(c, MsgCloseProducer, err)
		return
	}
	if err := ctl.Orch.CloseProducer(c.pid, p.ProducerID); err != nil {
		ctl.sendError(c, MsgCloseProducer, err)
	}
}
