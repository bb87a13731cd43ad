package summary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/quasipeer/internal/adapters/store"
	"github.com/dkeye/quasipeer/internal/app/aichan/aichantest"
	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

func TestGenerateReadsInTimestampOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()
	text := &aichantest.Text{}
	g := NewGenerator(st, text)

	// appended out of order
	for _, e := range []domain.TranscriptEntry{
		{ParticipantID: "B", DisplayName: "Bob", Text: "second", Timestamp: 2000},
		{ParticipantID: "A", DisplayName: "Ann", Text: "first", Timestamp: 1000},
		{ParticipantID: "A", Text: "third", Timestamp: 3000},
	} {
		if err := g.Record(ctx, "m2", e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	sum, err := g.Generate(ctx, "m2")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sum.TranscriptCount != 3 || sum.MeetingID != "m2" {
		t.Fatalf("unexpected summary %+v", sum)
	}
	inputs := text.Inputs()
	if len(inputs) != 1 {
		t.Fatalf("expected one summarize call, got %d", len(inputs))
	}
	if want := "Ann: first\nBob: second\nA: third\n"; inputs[0] != want {
		t.Fatalf("got %q want %q", inputs[0], want)
	}

	ttl, err := st.TTL(ctx, core.SummaryKey("m2"))
	if err != nil || ttl <= 23*time.Hour || ttl > TTL {
		t.Fatalf("summary must carry a 24h ttl, got %s %v", ttl, err)
	}
	stored, err := g.Stored(ctx, "m2")
	if err != nil || stored.Summary != sum.Summary {
		t.Fatalf("stored summary mismatch: %+v %v", stored, err)
	}
	if left, _ := st.LRange(ctx, core.TranscriptsKey("m2")); len(left) != 0 {
		t.Fatalf("buffer must be drained, got %d", len(left))
	}
	if ttl, err := st.TTL(ctx, core.TranscriptKey("m2", 1000)); err != nil || ttl <= 0 {
		t.Fatalf("per-line transcript must expire, got %s %v", ttl, err)
	}
}

func TestGenerateWithoutTranscripts(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	text := &aichantest.Text{}
	g := NewGenerator(st, text)

	if _, err := g.Generate(context.Background(), "empty"); !errors.Is(err, domain.ErrNoTranscripts) {
		t.Fatalf("expected ErrNoTranscripts, got %v", err)
	}
	if len(text.Inputs()) != 0 {
		t.Fatalf("no summarize call expected")
	}
}

func TestFailedSummaryDoesNotLeakIntoNextMeeting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()
	down := NewGenerator(st, &aichantest.Text{Err: errors.New("down")})
	_ = down.Record(ctx, "m3", domain.TranscriptEntry{ParticipantID: "a", Text: "old meeting line", Timestamp: 1})

	ttl, err := st.TTL(ctx, core.TranscriptsKey("m3"))
	if err != nil || ttl <= 23*time.Hour {
		t.Fatalf("transcript buffer must expire, got %s %v", ttl, err)
	}
	if _, err := down.Generate(ctx, "m3"); err == nil {
		t.Fatalf("expected error")
	}

	text := &aichantest.Text{}
	up := NewGenerator(st, text)
	_ = up.Record(ctx, "m3", domain.TranscriptEntry{ParticipantID: "b", Text: "new meeting line", Timestamp: 2})
	sum, err := up.Generate(ctx, "m3")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sum.TranscriptCount != 1 {
		t.Fatalf("expected only the new meeting's line, got %d", sum.TranscriptCount)
	}
	if in := text.Inputs(); len(in) != 1 || in[0] != "b: new meeting line\n" {
		t.Fatalf("unexpected summarize input %q", in)
	}
}
