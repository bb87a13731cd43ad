package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/quasipeer/internal/adapters/signal"
	"github.com/dkeye/quasipeer/internal/adapters/store"
	"github.com/dkeye/quasipeer/internal/app"
	"github.com/dkeye/quasipeer/internal/app/aichan"
	"github.com/dkeye/quasipeer/internal/app/aichan/aichantest"
	"github.com/dkeye/quasipeer/internal/app/media"
	"github.com/dkeye/quasipeer/internal/app/media/mediatest"
	"github.com/dkeye/quasipeer/internal/app/orch"
	"github.com/dkeye/quasipeer/internal/app/summary"
	"github.com/dkeye/quasipeer/internal/config"
	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
	"github.com/dkeye/quasipeer/internal/health"
)

type nopConn struct{}

func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}

func newTestRouter(t *testing.T, secret string) (*gin.Engine, *orch.Orchestrator, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryStore()
	mgr := aichan.NewManager(aichantest.NewBackend(), &aichantest.Text{}, aichan.Options{TranscriptionEnabled: true})
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(app.RegistryOptions{MaxParticipants: 50}),
		Media:    media.NewAdapter(mediatest.NewEngine()),
		AI:       mgr,
		Summary:  summary.NewGenerator(st, mgr),
		Policy:   app.SimplePolicy{},
	}
	ctl := signal.NewSignalWSController(o, signal.Options{})
	o.Bind(ctl)
	checker := &health.Checker{Store: st, Media: o.Media, Signaling: ctl}
	cfg := &config.Config{Mode: "test", JWTSecret: secret}
	t.Cleanup(func() {
		o.Shutdown()
		st.Close()
	})
	return SetupRouter(context.Background(), cfg, Deps{Orch: o, Signal: ctl, Health: checker}), o, st
}

func do(r http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthReportsServices(t *testing.T) {
	r, _, _ := newTestRouter(t, "")
	w := do(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health must always be 200, got %d", w.Code)
	}
	var s health.Status
	if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Status != health.StatusOK || !s.Services.Store.OK || !s.Services.Signaling.OK {
		t.Fatalf("unexpected health %+v", s)
	}

	eng := mediatest.NewEngine()
	ad := media.NewAdapter(eng)
	eng.Kill(context.Canceled)
	ad.Watch(context.Background())
	checker := &health.Checker{Media: ad}
	if checker.Check(context.Background()).Status != health.StatusDegraded {
		t.Fatalf("dead engine must degrade health")
	}
}

func TestMeetingEndpoints(t *testing.T) {
	r, o, _ := newTestRouter(t, "")
	if _, err := o.Registry.Join(context.Background(), "m1", "A", domain.ParticipantInfo{DisplayName: "Ann"}, nopConn{}); err != nil {
		t.Fatalf("join: %v", err)
	}

	w := do(r, http.MethodGet, "/api/meetings", "", nil)
	var list struct {
		Meetings []domain.MeetingInfo `json:"meetings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list.Meetings) != 1 {
		t.Fatalf("unexpected meetings %s (%v)", w.Body.String(), err)
	}
	if m := list.Meetings[0]; m.ID != "m1" || m.HostID != "A" || m.ParticipantCount != 1 {
		t.Fatalf("unexpected meeting %+v", m)
	}

	if w := do(r, http.MethodGet, "/api/meetings/m1/participants", "", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"displayName":"Ann"`) {
		t.Fatalf("participants: %d %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodGet, "/api/meetings/nope/participants", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown meeting: %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/meetings/m1/summary", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("no summary yet: %d", w.Code)
	}
}

func TestStoredSummaryServed(t *testing.T) {
	r, _, st := newTestRouter(t, "")
	sum := domain.MeetingSummary{MeetingID: "m9", Summary: "short", TranscriptCount: 2}
	b, _ := json.Marshal(sum)
	_ = st.Set(context.Background(), core.SummaryKey("m9"), string(b), time.Hour)

	w := do(r, http.MethodGet, "/api/meetings/m9/summary", "", nil)
	var got domain.MeetingSummary
	if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &got) != nil || got.Summary != "short" {
		t.Fatalf("summary: %d %s", w.Code, w.Body.String())
	}
}

func TestMicrophoneGate(t *testing.T) {
	r, _, _ := newTestRouter(t, "")
	if w := do(r, http.MethodPost, "/api/ai/microphone", `{}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing flag must be rejected, got %d", w.Code)
	}
	w := do(r, http.MethodPost, "/api/ai/microphone", `{"active":false}`, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"resolved":0`) {
		t.Fatalf("gate: %d %s", w.Code, w.Body.String())
	}
}

func TestTokenRequiredWhenSecretSet(t *testing.T) {
	r, _, _ := newTestRouter(t, "s3cret")
	if w := do(r, http.MethodGet, "/api/meetings", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "Ann"}).SignedString([]byte("other"))
	if w := do(r, http.MethodGet, "/api/meetings", "", map[string]string{"Authorization": "Bearer " + bad}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", w.Code)
	}

	good, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "Ann", "sub": "u1"}).SignedString([]byte("s3cret"))
	if w := do(r, http.MethodGet, "/api/meetings?token="+good, "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health stays open, got %d", w.Code)
	}
}

func TestTokenMiddlewareSetsDisplayName(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TokenMiddleware("k"))
	r.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("display_name")) })

	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "Bob"}).SignedString([]byte("k"))
	w := do(r, http.MethodGet, "/me", "", map[string]string{"Authorization": "Bearer " + tok})
	if w.Code != http.StatusOK || w.Body.String() != "Bob" {
		t.Fatalf("unexpected %d %q", w.Code, w.Body.String())
	}
}
