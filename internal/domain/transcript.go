package domain

import "time"

type TranscriptionResult struct {
	ParticipantID ParticipantID `json:"participantId"`
	Text          string        `json:"text"`
	Timestamp     int64         `json:"timestamp"`
	Confidence    float64       `json:"confidence"`
	Language      string        `json:"language"`
}

type TranslationResult struct {
	TranscriptionResult
	OriginalLanguage string `json:"originalLanguage"`
	TargetLanguage   string `json:"targetLanguage"`
	TranslatedText   string `json:"translatedText"`
}

// TranscriptEntry is one buffered line of a meeting transcript.
type TranscriptEntry struct {
	ParticipantID ParticipantID `json:"participantId"`
	DisplayName   string        `json:"displayName,omitempty"`
	Text          string        `json:"text"`
	Language      string        `json:"language,omitempty"`
	Timestamp     int64         `json:"timestamp"`
}

type MeetingSummary struct {
	MeetingID       MeetingID `json:"meetingId"`
	Summary         string    `json:"summary"`
	TranscriptCount int       `json:"transcriptCount"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// NowMillis is the timestamp unit used by transcripts.
func NowMillis() int64 { return time.Now().UnixMilli() }
