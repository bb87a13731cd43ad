package app

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

type recovered struct {
	hostID domain.ParticipantID
	stale  []string
}

// recover reads the mirrored record of a meeting this process does not hold.
// Every recorded participant that is not live here is stale.
func (r *Registry) recover(ctx context.Context, mid domain.MeetingID) recovered {
	var rec recovered
	if r.store == nil {
		return rec
	}
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	fields, err := r.store.HGetAll(ctx, core.MeetingKey(string(mid)))
	if err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("meeting", string(mid)).Msg("store recovery read failed")
		return rec
	}
	for pid, raw := range fields {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			rec.stale = append(rec.stale, pid)
			continue
		}
		if p.Role == domain.RoleHost {
			rec.hostID = p.ID
		}
		if !r.live(domain.ParticipantID(pid)) {
			rec.stale = append(rec.stale, pid)
		}
	}
	if len(fields) > 0 {
		log.Info().Str("module", "app.registry").Str("meeting", string(mid)).Str("recorded_host", string(rec.hostID)).Int("stale", len(rec.stale)).Msg("recovered meeting record")
	}
	return rec
}

func (r *Registry) mirrorJoin(mid domain.MeetingID, p domain.Participant, created bool, stale []string) {
	r.mirror(mid, func(ctx context.Context) error {
		key := core.MeetingKey(string(mid))
		if created && len(stale) > 0 {
			if err := r.store.HDel(ctx, key, stale...); err != nil {
				return err
			}
		}
		return r.putParticipants(ctx, key, p)
	})
}

func (r *Registry) mirrorLeave(mid domain.MeetingID, pid domain.ParticipantID, promoted *domain.Participant, emptied bool) {
	r.mirror(mid, func(ctx context.Context) error {
		key := core.MeetingKey(string(mid))
		if emptied {
			return r.store.Del(ctx, key)
		}
		if err := r.store.HDel(ctx, key, string(pid)); err != nil {
			return err
		}
		if promoted != nil {
			return r.putParticipants(ctx, key, *promoted)
		}
		return nil
	})
}

func (r *Registry) mirrorParticipants(mid domain.MeetingID, ps ...domain.Participant) {
	r.mirror(mid, func(ctx context.Context) error {
		return r.putParticipants(ctx, core.MeetingKey(string(mid)), ps...)
	})
}

func (r *Registry) putParticipants(ctx context.Context, key string, ps ...domain.Participant) error {
	values := make(map[string]string, len(ps))
	for _, p := range ps {
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		values[string(p.ID)] = string(raw)
	}
	return r.store.HSet(ctx, key, values)
}

const mirrorQueueSize = 1024

type mirrorOp struct {
	mid  domain.MeetingID
	fn   func(ctx context.Context) error
	done chan struct{}
}

func (r *Registry) startMirror() {
	r.writes = make(chan mirrorOp, mirrorQueueSize)
	r.stopMirror = make(chan struct{})
	r.mirrorDone = make(chan struct{})
	go r.mirrorLoop()
}

// mirrorLoop applies queued writes one at a time, in enqueue order.
func (r *Registry) mirrorLoop() {
	defer close(r.mirrorDone)
	for {
		select {
		case op := <-r.writes:
			r.apply(op)
		case <-r.stopMirror:
			for {
				select {
				case op := <-r.writes:
					r.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) apply(op mirrorOp) {
	if op.done != nil {
		close(op.done)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()
	if err := op.fn(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("meeting", string(op.mid)).Msg("store mirror failed")
	}
}

// mirror queues a best-effort store write and never waits for it. Callers hold the
// meeting lock so writes for one meeting are queued in the order they happened.
// A full queue drops the write.
func (r *Registry) mirror(mid domain.MeetingID, fn func(ctx context.Context) error) {
	if r.store == nil {
		return
	}
	select {
	case <-r.stopMirror:
		return
	default:
	}
	select {
	case r.writes <- mirrorOp{mid: mid, fn: fn}:
	default:
		log.Warn().Str("module", "app.registry").Str("meeting", string(mid)).Msg("store mirror queue full, write dropped")
	}
}

// flush waits until every write queued before it has been applied.
func (r *Registry) flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	done := make(chan struct{})
	select {
	case r.writes <- mirrorOp{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the store mirror after applying what is already queued, or when ctx ends.
func (r *Registry) Close(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.closeOnce.Do(func() { close(r.stopMirror) })
	select {
	case <-r.mirrorDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
