package signal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dkeye/quasipeer/internal/adapters/store"
	"github.com/dkeye/quasipeer/internal/app"
	"github.com/dkeye/quasipeer/internal/app/aichan"
	"github.com/dkeye/quasipeer/internal/app/aichan/aichantest"
	"github.com/dkeye/quasipeer/internal/app/media"
	"github.com/dkeye/quasipeer/internal/app/media/mediatest"
	"github.com/dkeye/quasipeer/internal/app/metrics"
	"github.com/dkeye/quasipeer/internal/app/orch"
	"github.com/dkeye/quasipeer/internal/app/summary"
	"github.com/dkeye/quasipeer/internal/core"
)

type harness struct {
	ctl     *SignalWSController
	backend *aichantest.Backend
	text    *aichantest.Text
	url     string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())

	st := store.NewMemoryStore()
	backend := aichantest.NewBackend()
	text := &aichantest.Text{}
	mgr := aichan.NewManager(backend, text, aichan.Options{
		RequestTimeout:       2 * time.Second,
		ReconnectInterval:    10 * time.Millisecond,
		TranscriptionEnabled: true,
		TranslationEnabled:   true,
		SummarizationEnabled: true,
	})
	go mgr.Run(ctx)

	reg := app.NewRegistry(app.RegistryOptions{MaxParticipants: 50, Store: st})
	reg.SetNotifier(Notify)
	o := &orch.Orchestrator{
		Registry: reg,
		Media:    media.NewAdapter(mediatest.NewEngine()),
		AI:       mgr,
		Summary:  summary.NewGenerator(st, mgr),
		Policy:   app.SimplePolicy{},
		Counters: &metrics.Counters{},
	}
	ctl := NewSignalWSController(o, opts)
	o.Bind(ctl)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		ctl.CloseAll()
		srv.Close()
		cancel()
		o.Shutdown()
		st.Close()
	})
	return &harness{ctl: ctl, backend: backend, text: text, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(v any) {
	c.t.Helper()
	if err := c.ws.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// expect reads until an event of the given type arrives.
func (c *client) expect(typ string) map[string]any {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			c.t.Fatalf("bad frame %s: %v", data, err)
		}
		if m["type"] == typ {
			return m
		}
	}
}

func (c *client) join(mid string, name string) map[string]any {
	c.t.Helper()
	c.send(map[string]any{"type": MsgJoinMeeting, "meetingId": mid, "participantInfo": map[string]any{"displayName": name}})
	return c.expect(MsgMeetingState)
}

func TestJoinAnnouncesAndHandsOutTransport(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t)
	stA := a.join("m1", "Ann")
	if stA["isHost"] != true {
		t.Fatalf("first joiner must be host: %v", stA)
	}
	tp := a.expect(MsgTransportParameters)
	ice, _ := tp["iceParameters"].(map[string]any)
	if tp["id"] == "" || ice == nil || ice["usernameFragment"] == "" {
		t.Fatalf("transport parameters incomplete: %v", tp)
	}

	b := h.dial(t)
	stB := b.join("m1", "Bob")
	if stB["isHost"] != false || stB["hostId"] != stA["participantId"] {
		t.Fatalf("second joiner must see A as host: %v", stB)
	}
	joined := a.expect(MsgParticipantJoined)
	p, _ := joined["participant"].(map[string]any)
	if p["id"] != stB["participantId"] || p["displayName"] != "Bob" {
		t.Fatalf("unexpected participant-joined %v", joined)
	}
}

func TestJoinAdvertisesE2EE(t *testing.T) {
	h := newHarness(t, Options{E2EE: true})
	st := h.dial(t).join("m1", "Ann")
	if st["e2ee"] != true {
		t.Fatalf("meeting-state must carry the e2ee flag: %v", st)
	}
}

func TestDisconnectLeavesMeeting(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t)
	stA := a.join("m1", "Ann")
	b := h.dial(t)
	stB := b.join("m1", "Bob")
	a.expect(MsgParticipantJoined)

	a.ws.Close()
	left := b.expect(MsgParticipantLeft)
	p, _ := left["participant"].(map[string]any)
	if p["id"] != stA["participantId"] {
		t.Fatalf("unexpected participant-left %v", left)
	}
	hc := b.expect(MsgHostChanged)
	if hc["hostId"] != stB["participantId"] {
		t.Fatalf("host must move to the remaining participant: %v", hc)
	}
}

func TestErrorsGoToCallerOnly(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t)

	a.send(map[string]any{"type": "bogus"})
	if e := a.expect(MsgError); e["code"] != "bad_payload" {
		t.Fatalf("unknown type: %v", e)
	}
	a.send(map[string]any{"type": MsgCreateTransport, "direction": "recv"})
	if e := a.expect(MsgError); e["code"] != "not_in_meeting" || e["request"] != MsgCreateTransport {
		t.Fatalf("expected not_in_meeting, got %v", e)
	}
	a.send(map[string]any{"type": MsgJoinMeeting})
	if e := a.expect(MsgError); e["code"] != "bad_payload" {
		t.Fatalf("join without meetingId: %v", e)
	}
	a.send(map[string]any{"type": MsgPing})
	a.expect(MsgPong)
}

func TestHostActionFromNonHostIsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t)
	stA := a.join("m1", "Ann")
	b := h.dial(t)
	stB := b.join("m1", "Bob")

	b.send(map[string]any{"type": MsgHostAction, "roomId": "m1", "action": "mute_user", "targetId": stA["participantId"]})
	// the next reply B sees must be the pong, not an error
	b.send(map[string]any{"type": MsgPing})
	_ = b.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := b.ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		if m["type"] == MsgError || m["type"] == MsgHostAction {
			t.Fatalf("non-host action must be dropped silently, got %v", m)
		}
		if m["type"] == MsgPong {
			break
		}
	}

	a.send(map[string]any{"type": MsgHostAction, "roomId": "m1", "action": "mute_user", "targetId": stB["participantId"]})
	if fm := b.expect(MsgForceMute); fm["by"] != stA["participantId"] {
		t.Fatalf("unexpected force-mute %v", fm)
	}
	if ev := a.expect(MsgHostAction); ev["targetId"] != stB["participantId"] {
		t.Fatalf("unexpected host_action broadcast %v", ev)
	}
}

func TestBinaryAudioIsTranscribedForTheMeeting(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t)
	stA := a.join("m1", "Ann")
	b := h.dial(t)
	b.join("m1", "Bob")

	pcm := make([]byte, 8)
	binary.LittleEndian.PutUint32(pcm, math.Float32bits(0.25))
	binary.LittleEndian.PutUint32(pcm[4:], math.Float32bits(-0.5))
	if err := a.ws.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	var link *aichantest.Link
	select {
	case link = <-h.backend.Links:
	case <-time.After(3 * time.Second):
		t.Fatalf("ai channel never dialed")
	}
	var req core.TranscriptionRequest
	select {
	case req = <-link.Sent:
	case <-time.After(3 * time.Second):
		t.Fatalf("request never sent")
	}
	if len(req.AudioData) != 2 || req.AudioData[1] != -0.5 {
		t.Fatalf("samples not decoded: %v", req.AudioData)
	}
	link.Reply(core.TranscriptionResponse{RequestID: req.RequestID, Text: "hello", Confidence: 0.8})

	for _, c := range []*client{a, b} {
		res := c.expect(MsgTranscriptionResult)
		if res["participantId"] != stA["participantId"] || res["text"] != "hello" {
			t.Fatalf("unexpected result %v", res)
		}
	}
}

func TestTranslationRateLimited(t *testing.T) {
	h := newHarness(t, Options{RateLimit: 1, RateInterval: time.Minute})
	a := h.dial(t)
	stA := a.join("m1", "Ann")

	a.send(map[string]any{"type": MsgTranslationRequest, "text": "hola", "targetLanguage": "en"})
	res := a.expect(MsgTranslationResult)
	if res["translatedText"] != "[en] hola" || res["participantId"] != stA["participantId"] {
		t.Fatalf("unexpected translation %v", res)
	}
	a.send(map[string]any{"type": MsgTranslationRequest, "text": "otra", "targetLanguage": "en"})
	if e := a.expect(MsgError); e["code"] != "rate_limited" {
		t.Fatalf("expected rate_limited, got %v", e)
	}
}

func TestTranslationPanicIsReportedToCaller(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t)
	a.join("m1", "Ann")
	h.text.PanicWith("boom")

	a.send(map[string]any{"type": MsgTranslationRequest, "text": "hola", "targetLanguage": "en"})
	e := a.expect(MsgError)
	if e["code"] != "internal" || e["request"] != MsgTranslationRequest {
		t.Fatalf("expected internal error for the request, got %v", e)
	}
	a.send(map[string]any{"type": MsgPing})
	a.expect(MsgPong)
}

func TestStopAcceptingRefusesUpgrade(t *testing.T) {
	h := newHarness(t, Options{})
	h.ctl.StopAccepting()
	if h.ctl.Accepting() {
		t.Fatalf("controller still accepting")
	}
	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err == nil {
		t.Fatalf("upgrade must be refused")
	}
	if resp == nil || resp.StatusCode != 503 {
		t.Fatalf("expected 503, got %v", resp)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(100, 0)
	if !rl.allowAt("p", now) || !rl.allowAt("p", now.Add(100*time.Millisecond)) {
		t.Fatalf("first two must pass")
	}
	if rl.allowAt("p", now.Add(200*time.Millisecond)) {
		t.Fatalf("third inside window must be refused")
	}
	if !rl.allowAt("q", now) {
		t.Fatalf("other participants have their own window")
	}
	if !rl.allowAt("p", now.Add(1100*time.Millisecond)) {
		t.Fatalf("window must slide")
	}
	rl.Forget("p")
	if !rl.allowAt("p", now.Add(1200*time.Millisecond)) || !rl.allowAt("p", now.Add(1200*time.Millisecond)) {
		t.Fatalf("forgotten participant starts fresh")
	}
}

func TestDecodePCM(t *testing.T) {
	if _, err := decodePCM([]byte{1, 2, 3}); err == nil {
		t.Fatalf("odd length must fail")
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(1.5))
	s, err := decodePCM(b)
	if err != nil || len(s) != 1 || s[0] != 1.5 {
		t.Fatalf("decode: %v %v", s, err)
	}
}
