// Package aichan multiplexes transcription requests over a single connection
// to the inference service and owns the pending-request table.
package aichan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Options struct {
	RequestTimeout    time.Duration
	ReconnectInterval time.Duration
	// SweepInterval is how often expired requests are collected.
	SweepInterval time.Duration

	TranscriptionEnabled bool
	TranslationEnabled   bool
	SummarizationEnabled bool
}

func (o *Options) setDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = min(time.Second, o.RequestTimeout/4)
	}
}

type result struct {
	resp core.TranscriptionResponse
	err  error
}

type pending struct {
	req      core.TranscriptionRequest
	sent     bool
	deadline time.Time
	done     chan result
}

var errIdle = errors.New("aichan: nothing pending")

// Manager keeps at most one link to the inference service. It dials only while
// someone is waiting for a transcription.
type Manager struct {
	backend core.AIBackend
	text    core.TextService
	opts    Options

	mu        sync.Mutex
	pending   map[string]*pending
	link      core.AILink
	state     State
	micActive bool

	wake chan struct{}
}

func NewManager(backend core.AIBackend, text core.TextService, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		backend:   backend,
		text:      text,
		opts:      opts,
		pending:   make(map[string]*pending),
		micActive: true,
		wake:      make(chan struct{}, 1),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending is the number of unresolved transcription requests.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// SetMicrophoneActive flips the global gate. Turning it off resolves every
// pending request with empty text. It returns how many were resolved.
func (m *Manager) SetMicrophoneActive(active bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.micActive = active
	if active {
		return 0
	}
	n := 0
	for id := range m.pending {
		m.resolveLocked(id, result{})
		n++
	}
	if n > 0 {
		log.Info().Str("module", "ai.channel").Int("resolved", n).Msg("microphone gate closed")
	}
	return n
}

// Transcribe sends audio to the inference service and waits for the matching answer.
// A request is always resolved: by its answer, by the deadline, by the gate or by teardown.
func (m *Manager) Transcribe(ctx context.Context, req core.TranscriptionRequest) (core.TranscriptionResponse, error) {
	if !m.opts.TranscriptionEnabled {
		return core.TranscriptionResponse{}, domain.ErrFeatureDisabled
	}

	m.mu.Lock()
	if !m.micActive {
		m.mu.Unlock()
		return core.TranscriptionResponse{}, nil
	}
	req.RequestID = m.newIDLocked()
	p := &pending{req: req, deadline: time.Now().Add(m.opts.RequestTimeout), done: make(chan result, 1)}
	m.pending[req.RequestID] = p
	link := m.link
	if link != nil {
		p.sent = true
	}
	m.mu.Unlock()

	if link != nil {
		m.send(ctx, link, p)
	} else {
		m.kick()
	}

	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		m.mu.Lock()
		m.resolveLocked(req.RequestID, result{err: ctx.Err()})
		m.mu.Unlock()
		r := <-p.done
		return r.resp, r.err
	}
}

func (m *Manager) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if !m.opts.TranslationEnabled {
		return "", domain.ErrFeatureDisabled
	}
	return m.text.Translate(ctx, text, sourceLang, targetLang)
}

func (m *Manager) Summarize(ctx context.Context, text string) (string, error) {
	if !m.opts.SummarizationEnabled {
		return "", domain.ErrFeatureDisabled
	}
	return m.text.Summarize(ctx, text)
}

// Run owns the connection until ctx ends. Every request still pending on return is resolved empty.
func (m *Manager) Run(ctx context.Context) {
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		m.sweepLoop(ctx)
	}()
	defer func() {
		<-sweepDone
		m.teardown()
	}()

	for {
		if !m.waitForWork(ctx) {
			return
		}
		link, err := m.dial(ctx)
		if err != nil {
			if errors.Is(err, errIdle) {
				continue
			}
			return
		}
		m.attach(link)
		m.readLoop(ctx, link)
		m.detach(link)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) waitForWork(ctx context.Context) bool {
	for m.Pending() == 0 {
		select {
		case <-ctx.Done():
			return false
		case <-m.wake:
		}
	}
	return ctx.Err() == nil
}

// dial retries on a fixed interval for as long as a caller is waiting.
func (m *Manager) dial(ctx context.Context) (core.AILink, error) {
	op := func() (core.AILink, error) {
		if m.Pending() == 0 {
			return nil, backoff.Permanent(errIdle)
		}
		m.setState(Connecting)
		link, err := m.backend.Dial(ctx)
		if err != nil {
			m.setState(Disconnected)
			return nil, err
		}
		return link, nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("module", "ai.channel").Dur("retry_in", wait).Msg("inference service unreachable")
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(m.opts.ReconnectInterval), ctx)
	return backoff.RetryNotifyWithData(op, b, notify)
}

// attach makes link current and flushes everything not yet sent.
func (m *Manager) attach(link core.AILink) {
	m.mu.Lock()
	m.link = link
	m.state = Connected
	var unsent []*pending
	for _, p := range m.pending {
		if !p.sent {
			p.sent = true
			unsent = append(unsent, p)
		}
	}
	m.mu.Unlock()

	log.Info().Str("module", "ai.channel").Int("flushed", len(unsent)).Msg("connected to inference service")
	for _, p := range unsent {
		m.send(context.Background(), link, p)
	}
}

func (m *Manager) send(ctx context.Context, link core.AILink, p *pending) {
	if err := link.Send(ctx, p.req); err != nil {
		log.Warn().Err(err).Str("module", "ai.channel").Str("request", p.req.RequestID).Msg("send failed, dropping link")
		m.mu.Lock()
		if cur, ok := m.pending[p.req.RequestID]; ok && cur == p {
			p.sent = false
		}
		m.mu.Unlock()
		_ = link.Close()
	}
}

func (m *Manager) readLoop(ctx context.Context, link core.AILink) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-link.Responses():
			if !ok {
				return
			}
			m.deliver(resp)
		}
	}
}

func (m *Manager) deliver(resp core.TranscriptionResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[resp.RequestID]; !ok {
		log.Debug().Str("module", "ai.channel").Str("request", resp.RequestID).Msg("answer for unknown request")
		return
	}
	if resp.Error != "" {
		log.Warn().Str("module", "ai.channel").Str("request", resp.RequestID).Str("error", resp.Error).Msg("inference error")
		resp = core.TranscriptionResponse{RequestID: resp.RequestID}
	}
	m.resolveLocked(resp.RequestID, result{resp: resp})
}

// detach drops link. Requests already handed to it will never be answered and resolve empty.
func (m *Manager) detach(link core.AILink) {
	_ = link.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == link {
		m.link = nil
	}
	m.state = Disconnected
	n := 0
	for id, p := range m.pending {
		if p.sent {
			m.resolveLocked(id, result{})
			n++
		}
	}
	log.Info().Str("module", "ai.channel").Int("resolved", n).Msg("disconnected from inference service")
}

func (m *Manager) teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.pending {
		m.resolveLocked(id, result{})
	}
	if m.link != nil {
		_ = m.link.Close()
		m.link = nil
	}
	m.state = Disconnected
}

func (m *Manager) sweepLoop(ctx context.Context) {
	t := time.NewTicker(m.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.Sweep(now)
		}
	}
}

// Sweep resolves requests whose deadline passed before now.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, p := range m.pending {
		if now.Before(p.deadline) {
			continue
		}
		r := result{err: fmt.Errorf("%w after %s", domain.ErrRequestTimeout, m.opts.RequestTimeout)}
		if !m.micActive {
			r = result{}
		}
		m.resolveLocked(id, r)
		n++
	}
	if n > 0 {
		log.Warn().Str("module", "ai.channel").Int("expired", n).Msg("transcription requests timed out")
	}
	return n
}

func (m *Manager) resolveLocked(id string, r result) {
	p, ok := m.pending[id]
	if !ok {
		return
	}
	delete(m.pending, id)
	p.done <- r
}

func (m *Manager) newIDLocked() string {
	for {
		id := uuid.NewString()
		if _, taken := m.pending[id]; !taken {
			return id
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
