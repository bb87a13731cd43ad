// Package ai holds the clients for the external inference service.
package ai

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/core"
)

const (
	writeWait    = 10 * time.Second
	responseSize = 64
)

// WSBackend talks to the transcription bridge over a websocket with JSON frames.
type WSBackend struct {
	url    string
	dialer *websocket.Dialer
}

var _ core.AIBackend = (*WSBackend)(nil)

func NewWSBackend(url string) *WSBackend {
	return &WSBackend{url: url, dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

type wsRequest struct {
	Type string `json:"type"`
	core.TranscriptionRequest
}

func (b *WSBackend) Dial(ctx context.Context) (core.AILink, error) {
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return nil, err
	}
	l := &wsLink{
		conn: conn,
		resp: make(chan core.TranscriptionResponse, responseSize),
		done: make(chan struct{}),
	}
	go l.readPump()
	log.Info().Str("module", "ai.ws").Str("url", b.url).Msg("bridge connected")
	return l, nil
}

type wsLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	resp    chan core.TranscriptionResponse
	done    chan struct{}
	once    sync.Once
}

func (l *wsLink) Send(_ context.Context, req core.TranscriptionRequest) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteJSON(wsRequest{Type: "transcribe", TranscriptionRequest: req})
}

func (l *wsLink) Responses() <-chan core.TranscriptionResponse { return l.resp }

func (l *wsLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

func (l *wsLink) readPump() {
	defer close(l.resp)
	defer l.Close()
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "ai.ws").Msg("bridge read error")
			}
			return
		}
		var r core.TranscriptionResponse
		if err := json.Unmarshal(data, &r); err != nil || r.RequestID == "" {
			log.Debug().Str("module", "ai.ws").Int("len", len(data)).Msg("skipping uncorrelated frame")
			continue
		}
		select {
		case l.resp <- r:
		case <-l.done:
			return
		}
	}
}
