package app

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/domain"
)

// lockMember finds pid's meeting and returns it locked, with pid verified as a member.
func (r *Registry) lockMember(pid domain.ParticipantID) (*meetingState, *member, error) {
	ms, ok := r.meetingOf(pid)
	if !ok {
		return nil, nil, domain.ErrNotInMeeting
	}
	ms.mu.Lock()
	m, ok := ms.members[pid]
	if !ok || ms.closed {
		ms.mu.Unlock()
		return nil, nil, domain.ErrNotInMeeting
	}
	return ms, m, nil
}

// SetHostAction applies a moderator action. Only the current host may call it.
func (r *Registry) SetHostAction(requester, target domain.ParticipantID, action domain.HostAction) (domain.Participant, error) {
	if !action.Valid() {
		return domain.Participant{}, fmt.Errorf("%w: unknown host action %q", domain.ErrBadPayload, action)
	}
	ms, _, err := r.lockMember(requester)
	if err != nil {
		return domain.Participant{}, err
	}
	if ms.hostID != requester {
		ms.mu.Unlock()
		return domain.Participant{}, domain.ErrUnauthorized
	}

	var subject domain.Participant
	if action.NeedsTarget() {
		tm, ok := ms.members[target]
		if !ok {
			ms.mu.Unlock()
			return domain.Participant{}, domain.ErrParticipantNotFound
		}
		switch action {
		case domain.HostActionMute:
			tm.p.Muted = true
		case domain.HostActionDisableVideo:
			tm.p.CameraOff = true
		}
		subject = tm.p.Clone()
	}
	dropped := r.emit(ms, Event{Kind: EventHostAction, Meeting: ms.id, Participant: subject, HostID: ms.hostID, Action: action, By: requester})
	mid := ms.id
	ms.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("meeting", string(mid)).Str("sid", string(requester)).Str("target", string(target)).Str("action", string(action)).Msg("host action")
	r.reportSlow(mid, dropped)
	return subject, nil
}

// SetRole changes target's role. Granting RoleHost hands the host role over
// and demotes the requester. The host cannot demote itself without a successor.
func (r *Registry) SetRole(requester, target domain.ParticipantID, role domain.Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", domain.ErrBadPayload, role)
	}
	ms, host, err := r.lockMember(requester)
	if err != nil {
		return err
	}
	if ms.hostID != requester {
		ms.mu.Unlock()
		return domain.ErrUnauthorized
	}
	tm, ok := ms.members[target]
	if !ok {
		ms.mu.Unlock()
		return domain.ErrParticipantNotFound
	}
	if target == requester {
		ms.mu.Unlock()
		if role == domain.RoleHost {
			return nil
		}
		return fmt.Errorf("%w: host must hand over the role first", domain.ErrBadPayload)
	}

	mid := ms.id
	var dropped []domain.ParticipantID
	if role == domain.RoleHost {
		host.p.Role = domain.RoleParticipant
		tm.p.Role = domain.RoleHost
		ms.hostID = target
		dropped = r.emit(ms, Event{Kind: EventHostChanged, Meeting: mid, Participant: tm.p.Clone(), HostID: target, PreviousHostID: requester})
	} else {
		tm.p.Role = role
		dropped = r.emit(ms, Event{Kind: EventRoleChanged, Meeting: mid, Participant: tm.p.Clone(), HostID: ms.hostID, By: requester})
	}
	r.mirrorParticipants(mid, host.p.Clone(), tm.p.Clone())
	ms.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("meeting", string(mid)).Str("sid", string(requester)).Str("target", string(target)).Str("role", string(role)).Msg("role changed")
	r.reportSlow(mid, dropped)
	return nil
}

// UpdateMedia records a participant's own mute or camera toggle.
func (r *Registry) UpdateMedia(pid domain.ParticipantID, kind string, enabled bool) (domain.Participant, error) {
	ms, m, err := r.lockMember(pid)
	if err != nil {
		return domain.Participant{}, err
	}
	switch kind {
	case "audio":
		m.p.Muted = !enabled
	case "video":
		m.p.CameraOff = !enabled
	default:
		ms.mu.Unlock()
		return domain.Participant{}, fmt.Errorf("%w: unknown media kind %q", domain.ErrBadPayload, kind)
	}
	p := m.p.Clone()
	mid := ms.id
	dropped := r.emit(ms, Event{Kind: EventParticipantUpdated, Meeting: mid, Participant: p, HostID: ms.hostID})
	ms.mu.Unlock()

	r.reportSlow(mid, dropped)
	return p, nil
}

func (r *Registry) AttachTransport(pid domain.ParticipantID, tid domain.TransportID) error {
	ms, m, err := r.lockMember(pid)
	if err != nil {
		return err
	}
	m.p.AddTransport(tid)
	ms.mu.Unlock()
	return nil
}

// DetachTransport forgets a closed transport. It reports whether pid still referenced it.
func (r *Registry) DetachTransport(pid domain.ParticipantID, tid domain.TransportID) bool {
	ms, m, err := r.lockMember(pid)
	if err != nil {
		return false
	}
	defer ms.mu.Unlock()
	return m.p.RemoveTransport(tid)
}
