package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/app"
	"github.com/dkeye/quasipeer/internal/app/aichan"
	"github.com/dkeye/quasipeer/internal/app/media"
	"github.com/dkeye/quasipeer/internal/app/metrics"
	"github.com/dkeye/quasipeer/internal/app/summary"
	"github.com/dkeye/quasipeer/internal/domain"
)

const summaryTimeout = time.Minute

// Sink receives the notifications that do not come out of the registry.
// The signaling layer implements it.
type Sink interface {
	ProducerClosed(mid domain.MeetingID, owner domain.ParticipantID, producerID string)
	TransportClosed(owner domain.ParticipantID, tid domain.TransportID)
	MeetingSummary(mid domain.MeetingID, attendees []domain.ParticipantID, sum domain.MeetingSummary)
	Kick(pid domain.ParticipantID)
}

type Orchestrator struct {
	Registry *app.Registry
	Media    *media.Adapter
	AI       *aichan.Manager
	Summary  *summary.Generator
	Policy   app.Policy
	Counters *metrics.Counters
	// Languages reports whether a language code is supported. Nil accepts all.
	Languages func(string) bool

	sink Sink

	mu        sync.Mutex
	attendees map[domain.MeetingID]map[domain.ParticipantID]struct{}
	summaries sync.WaitGroup
}

// Bind hooks the orchestrator into registry and media events. Call once before serving.
func (o *Orchestrator) Bind(sink Sink) {
	o.sink = sink
	o.attendees = make(map[domain.MeetingID]map[domain.ParticipantID]struct{})
	if o.Counters == nil {
		o.Counters = &metrics.Counters{}
	}
	o.Registry.OnMeetingEmpty(o.onMeetingEmpty)
	o.Registry.OnSlowConsumer(o.onSlowConsumer)
	o.Media.OnTransportClosed(o.onTransportClosed)
	o.Media.OnProducerClosed(o.onProducerClosed)
}

func (o *Orchestrator) onSlowConsumer(mid domain.MeetingID, pid domain.ParticipantID) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(mid, pid) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("meeting", string(mid)).Str("sid", string(pid)).Msg("kicking slow consumer")
		if o.sink != nil {
			o.sink.Kick(pid)
		} else {
			o.Leave(pid)
		}
	case app.MarkSlow:
		log.Debug().Str("module", "orch").Str("meeting", string(mid)).Str("sid", string(pid)).Msg("slow consumer")
	case app.DropFrame, app.NoAction:
	}
}

func (o *Orchestrator) onTransportClosed(owner domain.ParticipantID, tid domain.TransportID) {
	o.Registry.DetachTransport(owner, tid)
	if o.sink != nil {
		o.sink.TransportClosed(owner, tid)
	}
}

func (o *Orchestrator) onProducerClosed(owner domain.ParticipantID, producerID string) {
	mid, ok := o.Registry.MeetingOf(owner)
	if !ok || o.sink == nil {
		return
	}
	o.sink.ProducerClosed(mid, owner, producerID)
}

func (o *Orchestrator) remember(mid domain.MeetingID, pid domain.ParticipantID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	set, ok := o.attendees[mid]
	if !ok {
		set = make(map[domain.ParticipantID]struct{})
		o.attendees[mid] = set
	}
	set[pid] = struct{}{}
}

func (o *Orchestrator) forget(mid domain.MeetingID) []domain.ParticipantID {
	o.mu.Lock()
	defer o.mu.Unlock()
	set := o.attendees[mid]
	delete(o.attendees, mid)
	out := make([]domain.ParticipantID, 0, len(set))
	for pid := range set {
		out = append(out, pid)
	}
	return out
}

// onMeetingEmpty runs once per emptied meeting. Summarizing happens off the leave path.
func (o *Orchestrator) onMeetingEmpty(mid domain.MeetingID) {
	attendees := o.forget(mid)
	if o.Summary == nil {
		return
	}
	o.summaries.Add(1)
	go func() {
		defer o.summaries.Done()
		ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
		defer cancel()

		sum, err := o.Summary.Generate(ctx, mid)
		switch {
		case errors.Is(err, domain.ErrNoTranscripts):
			log.Info().Str("module", "orch").Str("meeting", string(mid)).Msg("meeting ended without transcripts")
			return
		case errors.Is(err, domain.ErrFeatureDisabled):
			_ = o.Summary.Discard(ctx, mid)
			return
		case err != nil:
			log.Error().Err(err).Str("module", "orch").Str("meeting", string(mid)).Msg("summary generation failed")
			return
		}
		if o.sink != nil {
			o.sink.MeetingSummary(mid, attendees, sum)
		}
	}()
}

// Shutdown closes all media and waits for summaries already running.
func (o *Orchestrator) Shutdown() {
	o.Media.CloseAll()
	o.summaries.Wait()
}
