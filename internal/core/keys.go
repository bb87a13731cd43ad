package core

import "fmt"

// Durable store key layout.
const MetricsKey = "metrics"

func MeetingKey(meetingID string) string { return "meeting:" + meetingID }

func TranscriptsKey(meetingID string) string { return "meeting:" + meetingID + ":transcriptions" }

func TranscriptKey(meetingID string, ts int64) string {
	return fmt.Sprintf("transcription:%s:%d", meetingID, ts)
}

func SummaryKey(meetingID string) string { return "meeting:" + meetingID + ":summary" }
