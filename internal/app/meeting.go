package app

import (
	"sync"
	"time"

	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

type EventKind int

const (
	EventJoined EventKind = iota + 1
	EventLeft
	EventHostChanged
	EventRoleChanged
	EventParticipantUpdated
	EventHostAction
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventHostChanged:
		return "host-changed"
	case EventRoleChanged:
		return "role-changed"
	case EventParticipantUpdated:
		return "participant-updated"
	case EventHostAction:
		return "host-action"
	}
	return "unknown"
}

// Event describes a membership change. Participant is the subject of the change.
type Event struct {
	Kind           EventKind
	Meeting        domain.MeetingID
	Participant    domain.Participant
	HostID         domain.ParticipantID
	PreviousHostID domain.ParticipantID
	Action         domain.HostAction
	By             domain.ParticipantID
}

// Fanout delivers frames to members of one meeting. It is only valid inside a Notifier call.
type Fanout interface {
	Broadcast(except domain.ParticipantID, f core.Frame)
	SendTo(pid domain.ParticipantID, f core.Frame)
}

// Notifier turns registry events into frames. It runs under the meeting lock,
// so it must not call back into the Registry.
type Notifier func(out Fanout, ev Event)

type member struct {
	p    *domain.Participant
	conn core.SignalConnection
}

type meetingState struct {
	mu        sync.Mutex
	id        domain.MeetingID
	createdAt time.Time

	hostID domain.ParticipantID
	// host recorded in the store before this process saw the meeting
	recoveredHost domain.ParticipantID

	order   []domain.ParticipantID
	members map[domain.ParticipantID]*member
	closed  bool
}

func newMeetingState(id domain.MeetingID, recoveredHost domain.ParticipantID) *meetingState {
	return &meetingState{
		id:            id,
		createdAt:     time.Now().UTC(),
		recoveredHost: recoveredHost,
		members:       make(map[domain.ParticipantID]*member),
	}
}

func (ms *meetingState) snapshot() []domain.Participant {
	out := make([]domain.Participant, 0, len(ms.order))
	for _, pid := range ms.order {
		out = append(out, ms.members[pid].p.Clone())
	}
	return out
}

// nextHost picks the first remaining non-observer in join order, falling back to the first observer.
func (ms *meetingState) nextHost() *member {
	var fallback *member
	for _, pid := range ms.order {
		m := ms.members[pid]
		if m.p.Role != domain.RoleObserver {
			return m
		}
		if fallback == nil {
			fallback = m
		}
	}
	return fallback
}

func (ms *meetingState) info() domain.MeetingInfo {
	return domain.MeetingInfo{
		ID:               ms.id,
		HostID:           ms.hostID,
		ParticipantCount: len(ms.members),
		CreatedAt:        ms.createdAt,
	}
}

type meetingFanout struct {
	ms      *meetingState
	sent    int
	dropped []domain.ParticipantID
}

func (f *meetingFanout) Broadcast(except domain.ParticipantID, frame core.Frame) {
	for _, pid := range f.ms.order {
		if pid == except {
			continue
		}
		f.SendTo(pid, frame)
	}
}

func (f *meetingFanout) SendTo(pid domain.ParticipantID, frame core.Frame) {
	m, ok := f.ms.members[pid]
	if !ok || m.conn == nil {
		return
	}
	if err := m.conn.TrySend(frame); err != nil {
		f.dropped = append(f.dropped, pid)
		return
	}
	f.sent++
}
