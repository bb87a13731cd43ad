package orch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

const defaultLanguage = "en"

func (o *Orchestrator) language(requested, preferred string) (string, error) {
	lang := strings.TrimSpace(requested)
	if lang == "" {
		lang = preferred
	}
	if lang == "" {
		lang = defaultLanguage
	}
	if o.Languages != nil && !o.Languages(lang) {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedLanguage, lang)
	}
	return lang, nil
}

// Transcribe runs audio of pid through the AI channel. The result is attributed to pid
// and buffered for the meeting summary when it carries text.
func (o *Orchestrator) Transcribe(ctx context.Context, pid domain.ParticipantID, samples []float32, language string) (domain.TranscriptionResult, error) {
	p, ok := o.Registry.GetParticipant(pid)
	if !ok {
		return domain.TranscriptionResult{}, domain.ErrNotInMeeting
	}
	lang, err := o.language(language, p.PreferredLanguage)
	if err != nil {
		return domain.TranscriptionResult{}, err
	}

	resp, err := o.transcribe(ctx, core.TranscriptionRequest{
		ParticipantID: string(pid),
		MeetingID:     string(p.MeetingID),
		Language:      lang,
		AudioData:     samples,
	})
	if err != nil {
		return domain.TranscriptionResult{}, err
	}

	res := domain.TranscriptionResult{
		ParticipantID: pid,
		Text:          resp.Text,
		Timestamp:     domain.NowMillis(),
		Confidence:    resp.Confidence,
		Language:      lang,
	}
	if resp.Language != "" {
		res.Language = resp.Language
	}
	// pid may have left while the request was in flight; its meeting may be gone.
	if cur, ok := o.Registry.GetParticipant(pid); res.Text != "" && o.Summary != nil && ok && cur.MeetingID == p.MeetingID {
		entry := domain.TranscriptEntry{
			ParticipantID: pid,
			DisplayName:   p.DisplayName,
			Text:          res.Text,
			Language:      res.Language,
			Timestamp:     res.Timestamp,
		}
		if err := o.Summary.Record(ctx, p.MeetingID, entry); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("meeting", string(p.MeetingID)).Msg("transcript not buffered")
		}
	}
	return res, nil
}

// Translate translates text spoken by pid into target.
func (o *Orchestrator) Translate(ctx context.Context, pid domain.ParticipantID, text, target string) (domain.TranslationResult, error) {
	p, ok := o.Registry.GetParticipant(pid)
	if !ok {
		return domain.TranslationResult{}, domain.ErrNotInMeeting
	}
	if strings.TrimSpace(text) == "" {
		return domain.TranslationResult{}, fmt.Errorf("%w: empty text", domain.ErrBadPayload)
	}
	source, err := o.language("", p.PreferredLanguage)
	if err != nil {
		return domain.TranslationResult{}, err
	}
	target, err = o.language(target, "")
	if err != nil {
		return domain.TranslationResult{}, err
	}

	out, err := o.translate(ctx, text, source, target)
	if err != nil {
		return domain.TranslationResult{}, err
	}
	return domain.TranslationResult{
		TranscriptionResult: domain.TranscriptionResult{
			ParticipantID: pid,
			Text:          text,
			Timestamp:     domain.NowMillis(),
			Confidence:    1,
			Language:      source,
		},
		OriginalLanguage: source,
		TargetLanguage:   target,
		TranslatedText:   out,
	}, nil
}

// transcribe and translate hold the in-flight counters for the call, panics included.
func (o *Orchestrator) transcribe(ctx context.Context, req core.TranscriptionRequest) (resp core.TranscriptionResponse, err error) {
	done := o.Counters.TranscriptionStarted()
	defer func() { done(err) }()
	return o.AI.Transcribe(ctx, req)
}

func (o *Orchestrator) translate(ctx context.Context, text, source, target string) (out string, err error) {
	done := o.Counters.TranslationStarted()
	defer func() { done(err) }()
	return o.AI.Translate(ctx, text, source, target)
}

// SetMicrophoneActive flips the global transcription gate.
func (o *Orchestrator) SetMicrophoneActive(active bool) int {
	return o.AI.SetMicrophoneActive(active)
}
