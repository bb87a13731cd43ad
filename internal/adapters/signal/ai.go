package signal

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/domain"
)

// handleAudioFrame treats a binary frame as a transcription request without a language.
func (ctl *SignalWSController) handleAudioFrame(ctx context.Context, c *WsSignalConn, data []byte) {
	samples, err := decodePCM(data)
	if err != nil {
		ctl.sendError(c, MsgTranscriptionRequest, err)
		return
	}
	ctl.transcribe(ctx, c, samples, "")
}

func (ctl *SignalWSController) handleTranscription(ctx context.Context, c *WsSignalConn, data []byte) {
	p, err := decode[transcriptionMsg](ctl.validate, data)
	if err != nil {
		ctl.sendError(c, MsgTranscriptionRequest, err)
		return
	}
	samples, err := decodePCM(p.Audio)
	if err != nil {
		ctl.sendError(c, MsgTranscriptionRequest, err)
		return
	}
	ctl.transcribe(ctx, c, samples, p.Language)
}

// transcribe answers off the read loop. A non-empty result goes to the whole meeting.
func (ctl *SignalWSController) transcribe(ctx context.Context, c *WsSignalConn, samples []float32, language string) {
	mid, ok := ctl.meetingOf(c, MsgTranscriptionRequest)
	if !ok {
		return
	}
	if !ctl.limiter.Allow(c.pid) {
		ctl.sendError(c, MsgTranscriptionRequest, domain.ErrRateLimited)
		return
	}
	go func() {
		defer ctl.guard(c, MsgTranscriptionRequest)
		res, err := ctl.Orch.Transcribe(ctx, c.pid, samples, language)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.pid)).Msg("transcription failed")
			ctl.sendError(c, MsgTranscriptionRequest, err)
			return
		}
		ev := transcriptionEvent{Type: MsgTranscriptionResult, TranscriptionResult: res}
		if res.Text == "" {
			ctl.sendJSON(c, ev)
			return
		}
		ctl.broadcast(mid, "", ev)
	}()
}

// handleTranslation replies to the requester only.
func (ctl *SignalWSController) handleTranslation(ctx context.Context, c *WsSignalConn, data []byte) {
	if _, ok := ctl.meetingOf(c, MsgTranslationRequest); !ok {
		return
	}
	p, err := decode[translationMsg](ctl.validate, data)
	if err != nil {
		ctl.sendError(c, MsgTranslationRequest, err)
		return
	}
	if !ctl.limiter.Allow(c.pid) {
		ctl.sendError(c, MsgTranslationRequest, domain.ErrRateLimited)
		return
	}
	go func() {
		defer ctl.guard(c, MsgTranslationRequest)
		res, err := ctl.Orch.Translate(ctx, c.pid, p.Text, p.TargetLanguage)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.pid)).Msg("translation failed")
			ctl.sendError(c, MsgTranslationRequest, err)
			return
		}
		ctl.sendJSON(c, translationEvent{Type: MsgTranslationResult, TranslationResult: res})
	}()
}

// decodePCM reads little-endian float32 samples.
func decodePCM(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: audio must be a non-empty run of float32 samples", domain.ErrBadPayload)
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
