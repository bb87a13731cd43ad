package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/app"
	"github.com/dkeye/quasipeer/internal/app/media"
	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

type JoinOutcome struct {
	app.JoinResult
	Transport core.TransportParameters
	// Producers already live in the meeting, by owner.
	Producers map[domain.ParticipantID][]media.ProducerInfo
}

// Join admits pid and allocates its send transport. A failed allocation undoes the join.
func (o *Orchestrator) Join(ctx context.Context, mid domain.MeetingID, pid domain.ParticipantID, info domain.ParticipantInfo, conn core.SignalConnection) (JoinOutcome, error) {
	res, err := o.Registry.Join(ctx, mid, pid, info, conn)
	if err != nil {
		return JoinOutcome{}, err
	}
	o.remember(mid, pid)

	params, err := o.Media.CreateTransport(ctx, pid, "send")
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("meeting", string(mid)).Str("sid", string(pid)).Msg("transport allocation failed, undoing join")
		o.Registry.Leave(pid)
		return JoinOutcome{}, err
	}
	if err := o.Registry.AttachTransport(pid, domain.TransportID(params.ID)); err != nil {
		// left while the transport was being allocated
		o.Media.CloseParticipant(pid)
		return JoinOutcome{}, err
	}

	owners := make(map[domain.ParticipantID]bool, len(res.Participants))
	for _, p := range res.Participants {
		if p.ID != pid {
			owners[p.ID] = true
		}
	}
	return JoinOutcome{JoinResult: res, Transport: params, Producers: o.Media.ProducersOf(owners)}, nil
}

// Leave tears down pid's media and membership. Repeated calls are no-ops.
func (o *Orchestrator) Leave(pid domain.ParticipantID) (app.LeaveResult, bool) {
	o.Media.CloseParticipant(pid)
	if f, ok := o.Policy.(interface{ Forget(domain.ParticipantID) }); ok {
		f.Forget(pid)
	}
	return o.Registry.Leave(pid)
}

// HostAction applies a host command. Mute and video-off are enforced in the SFU too,
// until the target turns the media back on.
func (o *Orchestrator) HostAction(requester, target domain.ParticipantID, action domain.HostAction) (domain.Participant, error) {
	p, err := o.Registry.SetHostAction(requester, target, action)
	if err != nil {
		return p, err
	}
	switch action {
	case domain.HostActionMute:
		o.Media.PauseProducers(target, core.KindAudio, true)
	case domain.HostActionDisableVideo:
		o.Media.PauseProducers(target, core.KindVideo, true)
	}
	return p, nil
}

func (o *Orchestrator) SetRole(requester, target domain.ParticipantID, role domain.Role) error {
	return o.Registry.SetRole(requester, target, role)
}

func (o *Orchestrator) ToggleMedia(pid domain.ParticipantID, kind string, enabled bool) (domain.Participant, error) {
	p, err := o.Registry.UpdateMedia(pid, kind, enabled)
	if err != nil {
		return p, err
	}
	o.Media.PauseProducers(pid, core.MediaKind(kind), !enabled)
	return p, nil
}
