package aichan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/quasipeer/internal/app/aichan/aichantest"
	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

func newManager(t *testing.T, b *aichantest.Backend, timeout time.Duration) (*Manager, context.CancelFunc) {
	t.Helper()
	m := NewManager(b, &aichantest.Text{}, Options{
		RequestTimeout:       timeout,
		ReconnectInterval:    10 * time.Millisecond,
		SweepInterval:        5 * time.Millisecond,
		TranscriptionEnabled: true,
		TranslationEnabled:   true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	return m, func() {
		cancel()
		<-done
	}
}

func nextLink(t *testing.T, b *aichantest.Backend) *aichantest.Link {
	t.Helper()
	select {
	case l := <-b.Links:
		return l
	case <-time.After(2 * time.Second):
		t.Fatalf("no dial")
		return nil
	}
}

func nextRequest(t *testing.T, l *aichantest.Link) core.TranscriptionRequest {
	t.Helper()
	select {
	case r := <-l.Sent:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no request sent")
		return core.TranscriptionRequest{}
	}
}

func waitPending(t *testing.T, m *Manager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Pending() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending, have %d", n, m.Pending())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type outcome struct {
	resp core.TranscriptionResponse
	err  error
}

func transcribeAsync(m *Manager, pid string) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		resp, err := m.Transcribe(context.Background(), core.TranscriptionRequest{ParticipantID: pid, AudioData: []float32{0.1, 0.2}})
		out <- outcome{resp, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatalf("transcription never resolved")
		return outcome{}
	}
}

func TestTranscribeMatchesByRequestID(t *testing.T) {
	b := aichantest.NewBackend()
	m, stop := newManager(t, b, 5*time.Second)
	defer stop()

	first := transcribeAsync(m, "A")
	l := nextLink(t, b)
	r1 := nextRequest(t, l)
	second := transcribeAsync(m, "B")
	r2 := nextRequest(t, l)
	if r1.RequestID == "" || r1.RequestID == r2.RequestID {
		t.Fatalf("request ids must be unique, got %q %q", r1.RequestID, r2.RequestID)
	}

	// answers arrive out of order
	l.Reply(core.TranscriptionResponse{RequestID: r2.RequestID, Text: "second"})
	l.Reply(core.TranscriptionResponse{RequestID: r1.RequestID, Text: "first", Confidence: 0.9})

	if o := await(t, first); o.err != nil || o.resp.Text != "first" || o.resp.Confidence != 0.9 {
		t.Fatalf("unexpected first outcome %+v", o)
	}
	if o := await(t, second); o.err != nil || o.resp.Text != "second" {
		t.Fatalf("unexpected second outcome %+v", o)
	}
	if m.State() != Connected {
		t.Fatalf("expected connected, got %s", m.State())
	}
	waitPending(t, m, 0)
}

func TestErrorAnswerResolvesEmpty(t *testing.T) {
	b := aichantest.NewBackend()
	m, stop := newManager(t, b, 5*time.Second)
	defer stop()

	res := transcribeAsync(m, "A")
	l := nextLink(t, b)
	r := nextRequest(t, l)
	l.Reply(core.TranscriptionResponse{RequestID: r.RequestID, Text: "garbage", Error: "model overloaded"})

	if o := await(t, res); o.err != nil || o.resp.Text != "" {
		t.Fatalf("error answer must resolve empty, got %+v", o)
	}
}

func TestTimeoutWhileDisconnected(t *testing.T) {
	b := aichantest.NewBackend()
	b.FailDial(errors.New("connection refused"))
	m, stop := newManager(t, b, 80*time.Millisecond)
	defer stop()

	o := await(t, transcribeAsync(m, "A"))
	if !errors.Is(o.err, domain.ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %+v", o)
	}
	if m.Pending() != 0 {
		t.Fatalf("timed out request must leave the table")
	}
	if b.Dials() < 2 {
		t.Fatalf("expected reconnect attempts, got %d dials", b.Dials())
	}
}

func TestGateResolvesPendingEmpty(t *testing.T) {
	b := aichantest.NewBackend()
	b.FailDial(errors.New("connection refused"))
	m, stop := newManager(t, b, 10*time.Second)
	defer stop()

	first := transcribeAsync(m, "A")
	second := transcribeAsync(m, "B")
	waitPending(t, m, 2)

	start := time.Now()
	if n := m.SetMicrophoneActive(false); n != 2 {
		t.Fatalf("expected 2 resolved by the gate, got %d", n)
	}
	for _, ch := range []<-chan outcome{first, second} {
		if o := await(t, ch); o.err != nil || o.resp.Text != "" {
			t.Fatalf("gate must resolve empty, got %+v", o)
		}
	}
	if time.Since(start) > time.Second {
		t.Fatalf("gate resolution must be immediate")
	}

	resp, err := m.Transcribe(context.Background(), core.TranscriptionRequest{ParticipantID: "A"})
	if err != nil || resp.Text != "" {
		t.Fatalf("closed gate must short-circuit, got %+v %v", resp, err)
	}
	if m.Pending() != 0 {
		t.Fatalf("closed gate must not register requests")
	}
}

func TestTeardownResolvesEmpty(t *testing.T) {
	b := aichantest.NewBackend()
	m, stop := newManager(t, b, 10*time.Second)
	defer stop()

	res := transcribeAsync(m, "A")
	l := nextLink(t, b)
	nextRequest(t, l)
	_ = l.Close()

	if o := await(t, res); o.err != nil || o.resp.Text != "" {
		t.Fatalf("teardown must resolve empty, got %+v", o)
	}
	waitPending(t, m, 0)
}

func TestUnsentRequestsFlushOnConnect(t *testing.T) {
	b := aichantest.NewBackend()
	b.FailDial(errors.New("connection refused"))
	m, stop := newManager(t, b, 10*time.Second)
	defer stop()

	res := transcribeAsync(m, "A")
	waitPending(t, m, 1)
	b.FailDial(nil)

	l := nextLink(t, b)
	r := nextRequest(t, l)
	l.Reply(core.TranscriptionResponse{RequestID: r.RequestID, Text: "late but fine"})
	if o := await(t, res); o.resp.Text != "late but fine" {
		t.Fatalf("unexpected outcome %+v", o)
	}
}

func TestNoDialWhileIdle(t *testing.T) {
	b := aichantest.NewBackend()
	_, stop := newManager(t, b, time.Second)
	time.Sleep(50 * time.Millisecond)
	stop()
	if b.Dials() != 0 {
		t.Fatalf("idle manager must not dial, got %d", b.Dials())
	}
}

func TestStopResolvesEverything(t *testing.T) {
	b := aichantest.NewBackend()
	b.FailDial(errors.New("connection refused"))
	m, stop := newManager(t, b, 10*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Transcribe(context.Background(), core.TranscriptionRequest{ParticipantID: "A"})
		}()
	}
	waitPending(t, m, 5)
	stop()
	wg.Wait()
	if m.Pending() != 0 {
		t.Fatalf("stop must drain the table")
	}
}

func TestSweepExpiresOnlyOverdue(t *testing.T) {
	m := NewManager(aichantest.NewBackend(), &aichantest.Text{}, Options{RequestTimeout: time.Minute, TranscriptionEnabled: true})
	res := transcribeAsync(m, "A")
	waitPending(t, m, 1)

	if n := m.Sweep(time.Now()); n != 0 {
		t.Fatalf("nothing is overdue yet, swept %d", n)
	}
	if n := m.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	if o := await(t, res); !errors.Is(o.err, domain.ErrRequestTimeout) {
		t.Fatalf("expected timeout, got %+v", o)
	}
	if m.Pending() != 0 {
		t.Fatalf("no entry may remain after the sweep")
	}
}

func TestDisabledFeatures(t *testing.T) {
	m := NewManager(aichantest.NewBackend(), &aichantest.Text{}, Options{})
	if _, err := m.Transcribe(context.Background(), core.TranscriptionRequest{}); !errors.Is(err, domain.ErrFeatureDisabled) {
		t.Fatalf("expected ErrFeatureDisabled, got %v", err)
	}
	if _, err := m.Translate(context.Background(), "hi", "en", "es"); !errors.Is(err, domain.ErrFeatureDisabled) {
		t.Fatalf("expected ErrFeatureDisabled, got %v", err)
	}
	if _, err := m.Summarize(context.Background(), "hi"); !errors.Is(err, domain.ErrFeatureDisabled) {
		t.Fatalf("expected ErrFeatureDisabled, got %v", err)
	}
}

func TestTranslatePassesThrough(t *testing.T) {
	m := NewManager(aichantest.NewBackend(), &aichantest.Text{}, Options{TranslationEnabled: true})
	out, err := m.Translate(context.Background(), "hello", "en", "es")
	if err != nil || out != "[es] hello" {
		t.Fatalf("unexpected translation %q %v", out, err)
	}
}
