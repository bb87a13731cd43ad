package core

import "context"

// TranscriptionRequest travels over the AI channel; RequestID correlates the answer.
type TranscriptionRequest struct {
	RequestID     string    `json:"requestId"`
	ParticipantID string    `json:"participantId"`
	MeetingID     string    `json:"meetingId"`
	Language      string    `json:"language,omitempty"`
	AudioData     []float32 `json:"audioData"`
}

type TranscriptionResponse struct {
	RequestID  string  `json:"requestId"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// AIBackend dials the transcription service. One link is one connection.
type AIBackend interface {
	Dial(ctx context.Context) (AILink, error)
}

type AILink interface {
	Send(ctx context.Context, req TranscriptionRequest) error
	// Responses is closed when the link dies.
	Responses() <-chan TranscriptionResponse
	Close() error
}

// TextService covers the request/response AI endpoints.
type TextService interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
	Summarize(ctx context.Context, text string) (string, error)
}
