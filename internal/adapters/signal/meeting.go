package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/domain"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, c *WsSignalConn, data []byte) {
	p, err := decode[joinMeetingMsg](ctl.validate, data)
	if err != nil {
		ctl.sendError(c, MsgJoinMeeting, err)
		return
	}
	if state, _ := c.current(); state != stateConnected {
		ctl.sendError(c, MsgJoinMeeting, fmt.Errorf("%w: already in a meeting", domain.ErrBadPayload))
		return
	}

	info := p.ParticipantInfo
	if info.DisplayName == "" {
		info.DisplayName = c.name
	}
	mid := domain.MeetingID(p.MeetingID)
	out, err := ctl.Orch.Join(ctx, mid, c.pid, info, c)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.pid)).Str("meeting", p.MeetingID).Msg("join rejected")
		ctl.sendError(c, MsgJoinMeeting, err)
		return
	}
	if !c.enter(mid) {
		// the connection went away while joining
		ctl.Orch.Leave(c.pid)
		return
	}

	log.Info().Str("module", "signal").Str("sid", string(c.pid)).Str("meeting", p.MeetingID).Bool("host", out.IsHost).Msg("joined")
	ctl.sendJSON(c, meetingStateEvent{
		Type:          MsgMeetingState,
		MeetingID:     mid,
		ParticipantID: c.pid,
		HostID:        out.HostID,
		IsHost:        out.IsHost,
		Participants:  out.Participants,
		Producers:     out.Producers,
		E2EE:          ctl.opts.E2EE,
	})
	ctl.sendJSON(c, transportEvent{Type: MsgTransportParameters, TransportParameters: out.Transport, Direction: "send"})
}

func (ctl *SignalWSController) handleLeave(c *WsSignalConn) {
	mid, ok := c.exit()
	if !ok {
		ctl.sendError(c, MsgLeaveMeeting, domain.ErrNotInMeeting)
		return
	}
	ctl.Orch.Leave(c.pid)
	log.Info().Str("module", "signal").Str("sid", string(c.pid)).Str("meeting", string(mid)).Msg("left")
	ctl.sendJSON(c, typed{Type: MsgLeft})
}

// handleHostAction drops requests from non-hosts without a reply.
func (ctl *SignalWSController) handleHostAction(c *WsSignalConn, data []byte) {
	mid, ok := ctl.meetingOf(c, MsgHostAction)
	if !ok {
		return
	}
	p, err := decode[hostActionMsg](ctl.validate, data)
	if err != nil {
		ctl.sendError(c, MsgHostAction, err)
		return
	}
	if p.RoomID != "" && domain.MeetingID(p.RoomID) != mid {
		ctl.sendError(c, MsgHostAction, fmt.Errorf("%w: roomId is not your meeting", domain.ErrBadPayload))
		return
	}
	action := domain.HostAction(p.Action)
	if action.NeedsTarget() && p.TargetID == "" {
		ctl.sendError(c, MsgHostAction, fmt.Errorf("%w: targetId required for %s", domain.ErrBadPayload, action))
		return
	}

	_, err = ctl.Orch.HostAction(c.pid, domain.ParticipantID(p.TargetID), action)
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		log.Info().Str("module", "signal").Str("sid", string(c.pid)).Str("action", p.Action).Msg("host action from non-host ignored")
	case err != nil:
		ctl.sendError(c, MsgHostAction, err)
	}
}

func (ctl *SignalWSController) handleSetRole(c *WsSignalConn, data []byte) {
	if _, ok := ctl.meetingOf(c, MsgSetRole); !ok {
		return
	}
	p, err := decode[setRoleMsg](ctl.validate, data)
	if err != nil {
		ctl.sendError(c, MsgSetRole, err)
		return
	}
	if err := ctl.Orch.SetRole(c.pid, domain.ParticipantID(p.TargetID), domain.Role(p.Role)); err != nil {
		ctl.sendError(c, MsgSetRole, err)
	}
}

func (ctl *SignalWSController) handleToggleMedia(c *WsSignalConn, data []byte) {
	if _, ok := ctl.meetingOf(c, MsgToggleMedia); !ok {
		return
	}
	p, err := decode[toggleMediaMsg](ctl.validate, data)
	if err != nil {
		ctl.sendError(c, MsgToggleMedia, err)
		return
	}
	if _, err := ctl.Orch.ToggleMedia(c.pid, p.Kind, *p.Enabled); err != nil {
		ctl.sendError(c, MsgToggleMedia, err)
	}
}
