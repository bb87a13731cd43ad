package media

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/quasipeer/internal/app/media/mediatest"
	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

var opus = core.RtpParameters{
	Codecs:    []core.RtpCodec{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000}},
	Encodings: []core.RtpEncoding{{SSRC: 42}},
}

func TestNotFoundErrors(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(mediatest.NewEngine())

	if err := a.ConnectTransport(ctx, "A", "nope", core.ConnectParams{}); !errors.Is(err, domain.ErrTransportNotFound) {
		t.Fatalf("expected ErrTransportNotFound, got %v", err)
	}
	if _, err := a.Produce(ctx, "A", "nope", core.KindAudio, opus); !errors.Is(err, domain.ErrTransportNotFound) {
		t.Fatalf("expected ErrTransportNotFound, got %v", err)
	}
	params, err := a.CreateTransport(ctx, "A", "send")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if params.ICEParameters.UsernameFragment == "" {
		t.Fatalf("expected ice parameters")
	}
	if _, err := a.Consume(ctx, "A", params.ID, "ghost", a.Capabilities()); !errors.Is(err, domain.ErrProducerNotFound) {
		t.Fatalf("expected ErrProducerNotFound, got %v", err)
	}
	if err := a.ConnectTransport(ctx, "B", params.ID, core.ConnectParams{}); !errors.Is(err, domain.ErrTransportNotFound) {
		t.Fatalf("foreign transport must look missing, got %v", err)
	}
}

func TestProduceConsumeAndCloseProducer(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(mediatest.NewEngine())
	var closedProducers atomic.Int32
	a.OnProducerClosed(func(domain.ParticipantID, string) { closedProducers.Add(1) })

	send, _ := a.CreateTransport(ctx, "A", "send")
	recv, _ := a.CreateTransport(ctx, "B", "recv")
	p, err := a.Produce(ctx, "A", send.ID, core.KindAudio, opus)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	c, err := a.Consume(ctx, "B", recv.ID, p.ID, a.Capabilities())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if c.ProducerID != p.ID || c.Kind != core.KindAudio {
		t.Fatalf("unexpected consumer %+v", c)
	}
	if s := a.Stats(); s.Transports != 2 || s.Producers != 1 || s.Consumers != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}

	if err := a.CloseProducer("B", p.ID); !errors.Is(err, domain.ErrProducerNotFound) {
		t.Fatalf("only the owner may close a producer, got %v", err)
	}
	if err := a.CloseProducer("A", p.ID); err != nil {
		t.Fatalf("close producer: %v", err)
	}
	if s := a.Stats(); s.Producers != 0 || s.Consumers != 0 {
		t.Fatalf("producer close must drop dependent consumers, got %+v", s)
	}
	if closedProducers.Load() != 1 {
		t.Fatalf("expected one producer-closed notification, got %d", closedProducers.Load())
	}
}

func TestEngineCloseEventDeregisters(t *testing.T) {
	ctx := context.Background()
	eng := mediatest.NewEngine()
	a := NewAdapter(eng)

	type closed struct {
		pid domain.ParticipantID
		tid domain.TransportID
	}
	events := make(chan closed, 4)
	a.OnTransportClosed(func(pid domain.ParticipantID, tid domain.TransportID) { events <- closed{pid, tid} })

	params, _ := a.CreateTransport(ctx, "A", "send")
	if _, err := a.Produce(ctx, "A", params.ID, core.KindAudio, opus); err != nil {
		t.Fatalf("produce: %v", err)
	}

	// engine-originated close
	_ = eng.Transport(params.ID).Close()

	select {
	case ev := <-events:
		if ev.pid != "A" || string(ev.tid) != params.ID {
			t.Fatalf("unexpected close event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no close notification")
	}
	if s := a.Stats(); s.Transports != 0 || s.Producers != 0 {
		t.Fatalf("index must be empty, got %+v", s)
	}
	if err := a.ConnectTransport(ctx, "A", params.ID, core.ConnectParams{}); !errors.Is(err, domain.ErrTransportNotFound) {
		t.Fatalf("closed transport must be gone, got %v", err)
	}
}

func TestCloseParticipantIsExplicit(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(mediatest.NewEngine())
	var notified atomic.Int32
	a.OnTransportClosed(func(domain.ParticipantID, domain.TransportID) { notified.Add(1) })

	_, _ = a.CreateTransport(ctx, "A", "send")
	_, _ = a.CreateTransport(ctx, "A", "recv")
	_, _ = a.CreateTransport(ctx, "B", "send")

	if n := a.CloseParticipant("A"); n != 2 {
		t.Fatalf("expected 2 transports closed, got %d", n)
	}
	if a.CloseParticipant("A") != 0 {
		t.Fatalf("second close must be a no-op")
	}
	if s := a.Stats(); s.Transports != 1 {
		t.Fatalf("B's transport must survive, got %+v", s)
	}
	if notified.Load() != 0 {
		t.Fatalf("explicit closes must not be reported as engine closes")
	}
}

func TestWatchReportsFatal(t *testing.T) {
	eng := mediatest.NewEngine()
	a := NewAdapter(eng)
	fatal := make(chan error, 1)
	a.OnFatal(func(err error) { fatal <- err })

	go a.Watch(context.Background())
	eng.Kill(errors.New("worker died"))

	select {
	case err := <-fatal:
		if err == nil || err.Error() != "worker died" {
			t.Fatalf("unexpected fatal error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("fatal hook not called")
	}
	if a.Alive() {
		t.Fatalf("adapter must report the engine dead")
	}
}

func TestCreateTransportError(t *testing.T) {
	eng := mediatest.NewEngine()
	eng.FailCreate = errors.New("no ports")
	a := NewAdapter(eng)
	if _, err := a.CreateTransport(context.Background(), "A", "send"); err == nil {
		t.Fatalf("expected error")
	}
	if s := a.Stats(); s.Transports != 0 {
		t.Fatalf("failed create must not register anything")
	}
}

func TestTransportClosedDuringSetupIsNotRegistered(t *testing.T) {
	eng := mediatest.NewEngine()
	eng.CloseOnCreate = true
	a := NewAdapter(eng)
	var closed []domain.TransportID
	a.OnTransportClosed(func(_ domain.ParticipantID, tid domain.TransportID) { closed = append(closed, tid) })

	_, err := a.CreateTransport(context.Background(), "A", "send")
	if !errors.Is(err, domain.ErrTransportNotFound) {
		t.Fatalf("expected ErrTransportNotFound, got %v", err)
	}
	if s := a.Stats(); s.Transports != 0 {
		t.Fatalf("closed transport must not stay registered, got %d", s.Transports)
	}
	if len(closed) != 0 {
		t.Fatalf("unpublished transport must not be announced, got %v", closed)
	}
}

func TestPauseProducersSticks(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(mediatest.NewEngine())
	send, _ := a.CreateTransport(ctx, "A", "send")
	audio, _ := a.Produce(ctx, "A", send.ID, core.KindAudio, opus)

	paused := func(id string) bool {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.producers[id].p.(*mediatest.Producer).Paused.Load()
	}

	if n := a.PauseProducers("A", core.KindAudio, true); n != 1 || !paused(audio.ID) {
		t.Fatalf("expected the audio producer paused, n=%d", n)
	}
	if n := a.PauseProducers("A", core.KindVideo, true); n != 0 {
		t.Fatalf("no video producer yet, got %d", n)
	}
	later, _ := a.Produce(ctx, "A", send.ID, core.KindAudio, opus)
	if !paused(later.ID) {
		t.Fatalf("producer created while muted must start paused")
	}
	a.PauseProducers("A", core.KindAudio, false)
	if paused(audio.ID) || paused(later.ID) {
		t.Fatalf("resume must reach every audio producer")
	}
}
