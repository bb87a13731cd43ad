// Package aichantest provides in-memory AI backends for tests.
package aichantest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkeye/quasipeer/internal/core"
)

var ErrLinkClosed = errors.New("aichantest: link closed")

// Backend hands out a new Link per Dial and publishes it on Links.
type Backend struct {
	mu       sync.Mutex
	failDial error
	dials    atomic.Int32

	Links chan *Link
}

var _ core.AIBackend = (*Backend)(nil)

func NewBackend() *Backend { return &Backend{Links: make(chan *Link, 16)} }

// FailDial makes every Dial fail with err until called again with nil.
func (b *Backend) FailDial(err error) {
	b.mu.Lock()
	b.failDial = err
	b.mu.Unlock()
}

func (b *Backend) Dials() int { return int(b.dials.Load()) }

func (b *Backend) Dial(ctx context.Context) (core.AILink, error) {
	b.dials.Add(1)
	b.mu.Lock()
	err := b.failDial
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l := &Link{Sent: make(chan core.TranscriptionRequest, 64), resp: make(chan core.TranscriptionResponse, 64)}
	b.Links <- l
	return l, nil
}

type Link struct {
	Sent chan core.TranscriptionRequest

	mu     sync.Mutex
	closed bool
	resp   chan core.TranscriptionResponse
}

func (l *Link) Send(_ context.Context, req core.TranscriptionRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	l.Sent <- req
	return nil
}

func (l *Link) Responses() <-chan core.TranscriptionResponse { return l.resp }

// Reply pushes an answer as if the service sent it.
func (l *Link) Reply(resp core.TranscriptionResponse) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.resp <- resp
	}
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.resp)
	}
	return nil
}

// Text is a canned TextService that records what it was asked.
type Text struct {
	mu        sync.Mutex
	Summaries []string
	Err       error
	panicWith any
}

// PanicWith makes later Translate calls panic with v.
func (t *Text) PanicWith(v any) {
	t.mu.Lock()
	t.panicWith = v
	t.mu.Unlock()
}

var _ core.TextService = (*Text)(nil)

func (t *Text) Translate(_ context.Context, text, _, target string) (string, error) {
	t.mu.Lock()
	p := t.panicWith
	t.mu.Unlock()
	if p != nil {
		panic(p)
	}
	if t.Err != nil {
		return "", t.Err
	}
	return "[" + target + "] " + text, nil
}

func (t *Text) Summarize(_ context.Context, text string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return "", t.Err
	}
	t.Summaries = append(t.Summaries, text)
	return "summary of " + strings.Join(strings.Fields(text)[:min(3, len(strings.Fields(text)))], " "), nil
}

// Inputs returns the texts passed to Summarize so far.
func (t *Text) Inputs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.Summaries...)
}
