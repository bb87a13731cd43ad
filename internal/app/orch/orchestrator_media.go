package orch

import (
	"context"

	"github.com/dkeye/quasipeer/internal/app/media"
	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

func (o *Orchestrator) requireMeeting(pid domain.ParticipantID) (domain.MeetingID, error) {
	mid, ok := o.Registry.MeetingOf(pid)
	if !ok {
		return "", domain.ErrNotInMeeting
	}
	return mid, nil
}

// CreateTransport allocates an extra transport, typically the receive one.
func (o *Orchestrator) CreateTransport(ctx context.Context, pid domain.ParticipantID, direction string) (core.TransportParameters, error) {
	if _, err := o.requireMeeting(pid); err != nil {
		return core.TransportParameters{}, err
	}
	params, err := o.Media.CreateTransport(ctx, pid, direction)
	if err != nil {
		return core.TransportParameters{}, err
	}
	if err := o.Registry.AttachTransport(pid, domain.TransportID(params.ID)); err != nil {
		o.Media.CloseParticipant(pid)
		return core.TransportParameters{}, err
	}
	return params, nil
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, pid domain.ParticipantID, tid string, params core.ConnectParams) error {
	if _, err := o.requireMeeting(pid); err != nil {
		return err
	}
	return o.Media.ConnectTransport(ctx, pid, tid, params)
}

func (o *Orchestrator) Produce(ctx context.Context, pid domain.ParticipantID, tid string, kind core.MediaKind, rtp core.RtpParameters) (media.ProducerInfo, error) {
	if _, err := o.requireMeeting(pid); err != nil {
		return media.ProducerInfo{}, err
	}
	return o.Media.Produce(ctx, pid, tid, kind, rtp)
}

// Consume subscribes pid to a producer of its own meeting. Producers of other meetings look missing.
func (o *Orchestrator) Consume(ctx context.Context, pid domain.ParticipantID, tid, producerID string, caps core.RtpCapabilities) (media.ConsumerInfo, error) {
	mid, err := o.requireMeeting(pid)
	if err != nil {
		return media.ConsumerInfo{}, err
	}
	owner, ok := o.Media.ProducerOwner(producerID)
	if !ok {
		return media.ConsumerInfo{}, domain.ErrProducerNotFound
	}
	if ownerMeeting, ok := o.Registry.MeetingOf(owner); !ok || ownerMeeting != mid {
		return media.ConsumerInfo{}, domain.ErrProducerNotFound
	}
	if owner == pid {
		return media.ConsumerInfo{}, domain.ErrCannotConsume
	}
	return o.Media.Consume(ctx, pid, tid, producerID, caps)
}

func (o *Orchestrator) CloseProducer(pid domain.ParticipantID, producerID string) error {
	if _, err := o.requireMeeting(pid); err != nil {
		return err
	}
	return o.Media.CloseProducer(pid, producerID)
}

func (o *Orchestrator) Capabilities() core.RtpCapabilities { return o.Media.Capabilities() }
