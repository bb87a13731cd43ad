package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/quasipeer/internal/core"
)

// echoBridge answers every transcribe frame with the number of samples it carried.
func echoBridge(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req["type"] != "transcribe" {
				continue
			}
			samples, _ := req["audioData"].([]any)
			_ = conn.WriteJSON(map[string]any{"status": "ready"})
			_ = conn.WriteJSON(core.TranscriptionResponse{
				RequestID:  req["requestId"].(string),
				Text:       strings.Repeat("x", len(samples)),
				Confidence: 0.5,
				Language:   req["language"].(string),
			})
		}
	}))
}

func TestWSBackendRoundTrip(t *testing.T) {
	srv := echoBridge(t)
	defer srv.Close()

	b := NewWSBackend("ws" + strings.TrimPrefix(srv.URL, "http"))
	link, err := b.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer link.Close()

	req := core.TranscriptionRequest{RequestID: "r1", ParticipantID: "A", MeetingID: "m1", Language: "en", AudioData: []float32{0, 0.5, 1}}
	if err := link.Send(context.Background(), req); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case resp := <-link.Responses():
		if resp.RequestID != "r1" || resp.Text != "xxx" || resp.Language != "en" {
			t.Fatalf("unexpected response %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no response")
	}
}

func TestWSBackendCloseEndsResponses(t *testing.T) {
	srv := echoBridge(t)
	defer srv.Close()

	link, err := NewWSBackend("ws" + strings.TrimPrefix(srv.URL, "http")).Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = link.Close()
	select {
	case _, ok := <-link.Responses():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("responses not closed")
	}
}

func TestWSRequestShape(t *testing.T) {
	b, _ := json.Marshal(wsRequest{Type: "transcribe", TranscriptionRequest: core.TranscriptionRequest{RequestID: "r", AudioData: []float32{1}}})
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	if m["type"] != "transcribe" || m["requestId"] != "r" {
		t.Fatalf("unexpected wire shape %s", b)
	}
}

func TestWSBackendDialFailure(t *testing.T) {
	if _, err := NewWSBackend("ws://127.0.0.1:1").Dial(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
}
