package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestTranslateAndSummarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/translate":
			var in translateRequest
			_ = json.NewDecoder(r.Body).Decode(&in)
			_ = json.NewEncoder(w).Encode(translateResponse{TranslatedText: in.TargetLanguage + ":" + in.Text})
		case "/summarize":
			var in summarizeRequest
			_ = json.NewDecoder(r.Body).Decode(&in)
			_ = json.NewEncoder(w).Encode(summarizeResponse{Summary: strings.ToUpper(in.Text)})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewTextClient(srv.URL + "/")
	got, err := c.Translate(context.Background(), "hola", "es", "en")
	if err != nil || got != "en:hola" {
		t.Fatalf("translate: %q %v", got, err)
	}
	sum, err := c.Summarize(context.Background(), "a: hi")
	if err != nil || sum != "A: HI" {
		t.Fatalf("summarize: %q %v", sum, err)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(summarizeResponse{Summary: "ok"})
	}))
	defer srv.Close()

	c := NewTextClient(srv.URL)
	got, err := c.Summarize(context.Background(), "x")
	if err != nil || got != "ok" {
		t.Fatalf("expected recovery after retries, got %q %v", got, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unsupported language", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewTextClient(srv.URL)
	c.MaxElapsed = time.Second
	if _, err := c.Translate(context.Background(), "x", "en", "xx"); err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected 400 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}
