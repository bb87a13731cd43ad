package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/app"
	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

// Notify renders registry events into protocol frames. It is installed as the
// registry notifier and runs under the meeting lock.
func Notify(out app.Fanout, ev app.Event) {
	subject := ev.Participant.ID
	switch ev.Kind {
	case app.EventJoined:
		out.Broadcast(subject, frame(participantEvent{Type: MsgParticipantJoined, Participant: ev.Participant, HostID: ev.HostID}))
	case app.EventLeft:
		out.Broadcast(subject, frame(participantEvent{Type: MsgParticipantLeft, Participant: ev.Participant, HostID: ev.HostID}))
	case app.EventHostChanged:
		out.Broadcast("", frame(hostChangedEvent{Type: MsgHostChanged, HostID: ev.HostID, PreviousHostID: ev.PreviousHostID}))
	case app.EventRoleChanged:
		out.Broadcast("", frame(participantEvent{Type: MsgRoleChanged, Participant: ev.Participant, HostID: ev.HostID}))
	case app.EventParticipantUpdated:
		out.Broadcast("", frame(participantEvent{Type: MsgParticipantUpdated, Participant: ev.Participant}))
	case app.EventHostAction:
		switch ev.Action {
		case domain.HostActionMute:
			out.SendTo(subject, frame(hostActionEvent{Type: MsgForceMute, Action: ev.Action, By: ev.By}))
		case domain.HostActionDisableVideo:
			out.SendTo(subject, frame(hostActionEvent{Type: MsgForceVideoOff, Action: ev.Action, By: ev.By}))
		}
		out.Broadcast("", frame(hostActionEvent{Type: MsgHostAction, Action: ev.Action, TargetID: subject, By: ev.By}))
	default:
		log.Warn().Str("module", "signal.notify").Stringer("kind", ev.Kind).Msg("unhandled registry event")
	}
}

func frame(v any) core.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.notify").Msg("marshal")
		return nil
	}
	return b
}

// ProducerClosed tells the meeting a producer is gone, including its owner.
func (ctl *SignalWSController) ProducerClosed(mid domain.MeetingID, owner domain.ParticipantID, producerID string) {
	ctl.broadcast(mid, "", producerEvent{Type: MsgProducerClosed, ProducerID: producerID, ParticipantID: owner})
}

func (ctl *SignalWSController) TransportClosed(owner domain.ParticipantID, tid domain.TransportID) {
	if c, ok := ctl.lookup(owner); ok {
		ctl.sendJSON(c, transportRefEvent{Type: MsgTransportClosed, TransportID: string(tid)})
	}
}

// MeetingSummary reaches only attendees that still hold a connection.
func (ctl *SignalWSController) MeetingSummary(mid domain.MeetingID, attendees []domain.ParticipantID, sum domain.MeetingSummary) {
	delivered := 0
	for _, pid := range attendees {
		c, ok := ctl.lookup(pid)
		if !ok {
			continue
		}
		ctl.sendJSON(c, summaryEvent{Type: MsgMeetingSummary, MeetingSummary: sum})
		delivered++
	}
	log.Info().Str("module", "signal").Str("meeting", string(mid)).Int("attendees", len(attendees)).Int("delivered", delivered).Msg("meeting summary sent")
}

// Kick drops the connection; the read side then leaves the meeting.
func (ctl *SignalWSController) Kick(pid domain.ParticipantID) {
	if c, ok := ctl.lookup(pid); ok {
		log.Warn().Str("module", "signal").Str("sid", string(pid)).Msg("kicking connection")
		c.Close()
	}
}
