package app

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

const defaultStoreTimeout = 2 * time.Second

type RegistryOptions struct {
	MaxParticipants int
	// Store mirrors membership for crash recovery. Nil disables mirroring.
	Store        core.Store
	StoreTimeout time.Duration
}

// Registry is the authoritative map of meetings and their participants.
// Each meeting has its own lock; r.mu only guards the two lookup maps.
// Lock order is meeting lock, then r.mu. Never the other way around.
type Registry struct {
	maxParticipants int
	store           core.Store
	storeTimeout    time.Duration

	writes     chan mirrorOp
	stopMirror chan struct{}
	mirrorDone chan struct{}
	closeOnce  sync.Once

	mu       sync.RWMutex
	meetings map[domain.MeetingID]*meetingState
	index    map[domain.ParticipantID]domain.MeetingID

	notify  Notifier
	onEmpty func(domain.MeetingID)
	onSlow  func(domain.MeetingID, domain.ParticipantID)
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = 50
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	r := &Registry{
		maxParticipants: opts.MaxParticipants,
		store:           opts.Store,
		storeTimeout:    opts.StoreTimeout,
		meetings:        make(map[domain.MeetingID]*meetingState),
		index:           make(map[domain.ParticipantID]domain.MeetingID),
	}
	if r.store != nil {
		r.startMirror()
	}
	return r
}

// The hooks below must be set before the registry is shared.

func (r *Registry) SetNotifier(n Notifier) { r.notify = n }

// OnMeetingEmpty is called exactly once per meeting, after its last participant left.
func (r *Registry) OnMeetingEmpty(fn func(domain.MeetingID)) { r.onEmpty = fn }

// OnSlowConsumer is called for every participant whose queue overflowed during a fan-out.
func (r *Registry) OnSlowConsumer(fn func(domain.MeetingID, domain.ParticipantID)) { r.onSlow = fn }

func (r *Registry) MaxParticipants() int { return r.maxParticipants }

type JoinResult struct {
	Participant domain.Participant
	IsHost      bool
	HostID      domain.ParticipantID
	// Participants includes the joiner, in join order.
	Participants []domain.Participant
}

func (r *Registry) Join(ctx context.Context, meetingID domain.MeetingID, pid domain.ParticipantID, info domain.ParticipantInfo, conn core.SignalConnection) (JoinResult, error) {
	if meetingID == "" || pid == "" {
		return JoinResult{}, fmt.Errorf("%w: meeting and participant id required", domain.ErrBadPayload)
	}
	p, err := domain.NewParticipant(pid, meetingID, info)
	if err != nil {
		return JoinResult{}, err
	}

	r.mu.RLock()
	_, already := r.index[pid]
	_, exists := r.meetings[meetingID]
	r.mu.RUnlock()
	if already {
		return JoinResult{}, fmt.Errorf("%w: already in a meeting", domain.ErrBadPayload)
	}

	var rec recovered
	if !exists {
		rec = r.recover(ctx, meetingID)
	}

	for {
		ms, created := r.getOrCreate(meetingID, rec.hostID)
		ms.mu.Lock()
		if ms.closed {
			// emptied between lookup and lock; a fresh state replaces it
			ms.mu.Unlock()
			continue
		}
		if len(ms.members) >= r.maxParticipants {
			ms.mu.Unlock()
			log.Info().Str("module", "app.registry").Str("meeting", string(meetingID)).Str("sid", string(pid)).Int("max", r.maxParticipants).Msg("join rejected: capacity")
			return JoinResult{}, domain.ErrCapacityExceeded
		}

		r.mu.Lock()
		if _, dup := r.index[pid]; dup {
			r.mu.Unlock()
			r.dropIfEmptyLocked(ms)
			ms.mu.Unlock()
			return JoinResult{}, fmt.Errorf("%w: already in a meeting", domain.ErrBadPayload)
		}
		r.index[pid] = meetingID
		r.mu.Unlock()

		isHost := ms.hostID == "" && (ms.recoveredHost == "" || !r.live(ms.recoveredHost))
		if isHost {
			p.Role = domain.RoleHost
			ms.hostID = pid
			ms.recoveredHost = ""
		}
		ms.members[pid] = &member{p: p, conn: conn}
		ms.order = append(ms.order, pid)

		res := JoinResult{
			Participant:  p.Clone(),
			IsHost:       isHost,
			HostID:       ms.hostID,
			Participants: ms.snapshot(),
		}
		dropped := r.emit(ms, Event{Kind: EventJoined, Meeting: meetingID, Participant: res.Participant, HostID: ms.hostID})
		r.mirrorJoin(meetingID, res.Participant, created, rec.stale)
		ms.mu.Unlock()

		log.Info().Str("module", "app.registry").Str("meeting", string(meetingID)).Str("sid", string(pid)).Bool("host", isHost).Msg("participant joined")

		r.reportSlow(meetingID, dropped)
		return res, nil
	}
}

type LeaveResult struct {
	Participant    domain.Participant
	NewHostID      domain.ParticipantID
	MeetingEmptied bool
}

// Leave removes pid from its meeting. The second call for the same participant returns false.
func (r *Registry) Leave(pid domain.ParticipantID) (LeaveResult, bool) {
	r.mu.Lock()
	mid, ok := r.index[pid]
	if ok {
		delete(r.index, pid)
	}
	ms := r.meetings[mid]
	r.mu.Unlock()
	if !ok || ms == nil {
		return LeaveResult{}, false
	}

	ms.mu.Lock()
	m, ok := ms.members[pid]
	if !ok {
		ms.mu.Unlock()
		return LeaveResult{}, false
	}
	delete(ms.members, pid)
	ms.order = slices.DeleteFunc(ms.order, func(id domain.ParticipantID) bool { return id == pid })

	res := LeaveResult{Participant: m.p.Clone()}
	dropped := r.emit(ms, Event{Kind: EventLeft, Meeting: mid, Participant: res.Participant, HostID: ms.hostID})

	var promoted *domain.Participant
	if ms.hostID == pid {
		ms.hostID = ""
		if next := ms.nextHost(); next != nil {
			next.p.Role = domain.RoleHost
			ms.hostID = next.p.ID
			res.NewHostID = next.p.ID
			c := next.p.Clone()
			promoted = &c
			dropped = append(dropped, r.emit(ms, Event{Kind: EventHostChanged, Meeting: mid, Participant: c, HostID: c.ID, PreviousHostID: pid})...)
		}
	}

	// Queued before the meeting is unpublished, so a rejoin's writes land after the delete.
	emptied := len(ms.members) == 0 && !ms.closed
	r.mirrorLeave(mid, pid, promoted, emptied)
	if emptied {
		ms.closed = true
		res.MeetingEmptied = true
		r.mu.Lock()
		if r.meetings[mid] == ms {
			delete(r.meetings, mid)
		}
		r.mu.Unlock()
	}
	ms.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("meeting", string(mid)).Str("sid", string(pid)).Str("new_host", string(res.NewHostID)).Bool("emptied", res.MeetingEmptied).Msg("participant left")

	r.reportSlow(mid, dropped)
	if res.MeetingEmptied && r.onEmpty != nil {
		r.onEmpty(mid)
	}
	return res, true
}

// Broadcast fans a frame out to the meeting under its lock.
func (r *Registry) Broadcast(mid domain.MeetingID, except domain.ParticipantID, f core.Frame) int {
	ms := r.meeting(mid)
	if ms == nil {
		return 0
	}
	ms.mu.Lock()
	out := &meetingFanout{ms: ms}
	out.Broadcast(except, f)
	ms.mu.Unlock()
	r.reportSlow(mid, out.dropped)
	return out.sent
}

func (r *Registry) GetParticipant(pid domain.ParticipantID) (domain.Participant, bool) {
	ms, ok := r.meetingOf(pid)
	if !ok {
		return domain.Participant{}, false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m, ok := ms.members[pid]
	if !ok {
		return domain.Participant{}, false
	}
	return m.p.Clone(), true
}

func (r *Registry) MeetingOf(pid domain.ParticipantID) (domain.MeetingID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mid, ok := r.index[pid]
	return mid, ok
}

// ListMeetingParticipants returns participants in join order, or nil for an unknown meeting.
func (r *Registry) ListMeetingParticipants(mid domain.MeetingID) []domain.Participant {
	ms := r.meeting(mid)
	if ms == nil {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.snapshot()
}

func (r *Registry) HostOf(mid domain.MeetingID) (domain.ParticipantID, bool) {
	ms := r.meeting(mid)
	if ms == nil {
		return "", false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hostID, ms.hostID != ""
}

func (r *Registry) ListMeetings() []domain.MeetingInfo {
	r.mu.RLock()
	all := make([]*meetingState, 0, len(r.meetings))
	for _, ms := range r.meetings {
		all = append(all, ms)
	}
	r.mu.RUnlock()

	out := make([]domain.MeetingInfo, 0, len(all))
	for _, ms := range all {
		ms.mu.Lock()
		if !ms.closed {
			out = append(out, ms.info())
		}
		ms.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns live meeting and participant counts.
func (r *Registry) Stats() (meetings, participants int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.meetings), len(r.index)
}

func (r *Registry) getOrCreate(mid domain.MeetingID, recoveredHost domain.ParticipantID) (*meetingState, bool) {
	r.mu.RLock()
	ms, ok := r.meetings[mid]
	r.mu.RUnlock()
	if ok {
		return ms, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ms, ok = r.meetings[mid]; ok {
		return ms, false
	}
	ms = newMeetingState(mid, recoveredHost)
	r.meetings[mid] = ms
	log.Info().Str("module", "app.registry").Str("meeting", string(mid)).Msg("meeting created")
	return ms, true
}

// dropIfEmptyLocked evicts a meeting that never got a member. Caller holds ms.mu.
func (r *Registry) dropIfEmptyLocked(ms *meetingState) {
	if len(ms.members) > 0 || ms.closed {
		return
	}
	ms.closed = true
	r.mu.Lock()
	if r.meetings[ms.id] == ms {
		delete(r.meetings, ms.id)
	}
	r.mu.Unlock()
}

func (r *Registry) meeting(mid domain.MeetingID) *meetingState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meetings[mid]
}

func (r *Registry) meetingOf(pid domain.ParticipantID) (*meetingState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mid, ok := r.index[pid]
	if !ok {
		return nil, false
	}
	ms, ok := r.meetings[mid]
	return ms, ok
}

// live reports whether pid holds a connection in this process.
func (r *Registry) live(pid domain.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[pid]
	return ok
}

// emit runs the notifier for ev. Caller holds ms.mu.
func (r *Registry) emit(ms *meetingState, ev Event) []domain.ParticipantID {
	if r.notify == nil {
		return nil
	}
	out := &meetingFanout{ms: ms}
	r.notify(out, ev)
	return out.dropped
}

func (r *Registry) reportSlow(mid domain.MeetingID, dropped []domain.ParticipantID) {
	if len(dropped) == 0 {
		return
	}
	for _, pid := range slices.Compact(slices.Sorted(slices.Values(dropped))) {
		log.Warn().Str("module", "app.registry").Str("meeting", string(mid)).Str("sid", string(pid)).Msg("send queue full")
		if r.onSlow != nil {
			r.onSlow(mid, pid)
		}
	}
}
