// Package summary buffers meeting transcripts in the store and turns them into
// one summary when the meeting empties.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

// TTL applies to the transcript buffer, per-line transcripts and the stored summary.
const TTL = 24 * time.Hour

type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

type Generator struct {
	store core.Store
	ai    Summarizer
}

func NewGenerator(store core.Store, ai Summarizer) *Generator {
	return &Generator{store: store, ai: ai}
}

// Record buffers one transcript line for the meeting.
func (g *Generator) Record(ctx context.Context, mid domain.MeetingID, e domain.TranscriptEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := core.TranscriptsKey(string(mid))
	if err := g.store.RPush(ctx, key, string(b)); err != nil {
		return fmt.Errorf("buffer transcript: %w", err)
	}
	if err := g.store.Expire(ctx, key, TTL); err != nil {
		return fmt.Errorf("expire transcript buffer: %w", err)
	}
	if err := g.store.Set(ctx, core.TranscriptKey(string(mid), e.Timestamp), string(b), TTL); err != nil {
		return fmt.Errorf("store transcript: %w", err)
	}
	return nil
}

// Generate drains the meeting's buffered transcripts and stores one summary.
// The lines it read are dropped even when summarizing fails; lines appended after
// the read stay buffered. A meeting without transcripts yields ErrNoTranscripts.
func (g *Generator) Generate(ctx context.Context, mid domain.MeetingID) (domain.MeetingSummary, error) {
	key := core.TranscriptsKey(string(mid))
	raw, err := g.store.LRange(ctx, key)
	if err != nil {
		return domain.MeetingSummary{}, fmt.Errorf("read transcripts: %w", err)
	}
	if err := g.store.LDrop(ctx, key, len(raw)); err != nil {
		log.Warn().Err(err).Str("module", "summary").Str("meeting", string(mid)).Msg("transcript buffer not cleared")
	}

	entries := make([]domain.TranscriptEntry, 0, len(raw))
	for _, s := range raw {
		var e domain.TranscriptEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			log.Warn().Err(err).Str("module", "summary").Str("meeting", string(mid)).Msg("skipping corrupt transcript")
			continue
		}
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return domain.MeetingSummary{}, domain.ErrNoTranscripts
	}

	slices.SortStableFunc(entries, func(a, b domain.TranscriptEntry) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})

	text, err := g.ai.Summarize(ctx, render(entries))
	if err != nil {
		return domain.MeetingSummary{}, fmt.Errorf("summarize: %w", err)
	}

	sum := domain.MeetingSummary{
		MeetingID:       mid,
		Summary:         text,
		TranscriptCount: len(entries),
		GeneratedAt:     time.Now().UTC(),
	}
	b, err := json.Marshal(sum)
	if err != nil {
		return domain.MeetingSummary{}, err
	}
	if err := g.store.Set(ctx, core.SummaryKey(string(mid)), string(b), TTL); err != nil {
		return domain.MeetingSummary{}, fmt.Errorf("store summary: %w", err)
	}

	log.Info().Str("module", "summary").Str("meeting", string(mid)).Int("lines", len(entries)).Msg("summary generated")
	return sum, nil
}

// Discard drops the buffered transcripts without summarizing them.
func (g *Generator) Discard(ctx context.Context, mid domain.MeetingID) error {
	return g.store.Del(ctx, core.TranscriptsKey(string(mid)))
}

// Stored returns the last summary generated for a meeting.
func (g *Generator) Stored(ctx context.Context, mid domain.MeetingID) (domain.MeetingSummary, error) {
	s, err := g.store.Get(ctx, core.SummaryKey(string(mid)))
	if err != nil {
		return domain.MeetingSummary{}, err
	}
	var sum domain.MeetingSummary
	err = json.Unmarshal([]byte(s), &sum)
	return sum, err
}

func render(entries []domain.TranscriptEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		name := e.DisplayName
		if name == "" {
			name = string(e.ParticipantID)
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSpace(e.Text))
		sb.WriteByte('\n')
	}
	return sb.String()
}
