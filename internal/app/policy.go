package app

import (
	"sync"
	"time"

	"github.com/dkeye/quasipeer/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a participant whose send queue overflowed during a fan-out.
type Policy interface {
	OnBackPressure(meeting domain.MeetingID, pid domain.ParticipantID) BackpressureAction
}

// SimplePolicy kicks on the first overflow.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.MeetingID, domain.ParticipantID) BackpressureAction {
	return KickMember
}

// StrikePolicy marks a participant slow until it overflows Strikes times within Window,
// then kicks it. Strikes older than Window are forgotten.
type StrikePolicy struct {
	Strikes int
	Window  time.Duration

	mu  sync.Mutex
	hit map[domain.ParticipantID][]time.Time
	now func() time.Time
}

func NewStrikePolicy(strikes int, window time.Duration) *StrikePolicy {
	return &StrikePolicy{
		Strikes: strikes,
		Window:  window,
		hit:     make(map[domain.ParticipantID][]time.Time),
		now:     time.Now,
	}
}

func (p *StrikePolicy) OnBackPressure(_ domain.MeetingID, pid domain.ParticipantID) BackpressureAction {
	if p.Strikes <= 1 {
		return KickMember
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	kept := p.hit[pid][:0]
	for _, t := range p.hit[pid] {
		if now.Sub(t) < p.Window {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	if len(kept) >= p.Strikes {
		delete(p.hit, pid)
		return KickMember
	}
	p.hit[pid] = kept
	return MarkSlow
}

// Forget drops the strikes recorded for pid.
func (p *StrikePolicy) Forget(pid domain.ParticipantID) {
	p.mu.Lock()
	delete(p.hit, pid)
	p.mu.Unlock()
}
