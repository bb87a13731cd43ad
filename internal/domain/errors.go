package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCapacityExceeded    = errors.New("meeting is at capacity")
	ErrUnauthorized        = errors.New("only the host can do that")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotInMeeting        = errors.New("not in a meeting")
	ErrTransportNotFound   = errors.New("transport not found")
	ErrProducerNotFound    = errors.New("producer not found")
	ErrCannotConsume       = errors.New("cannot consume producer with given capabilities")
	ErrRequestTimeout      = errors.New("request timed out")
	ErrChannelClosed       = errors.New("ai channel closed")
	ErrNoTranscripts       = errors.New("no transcripts for meeting")
	ErrFeatureDisabled     = errors.New("feature disabled")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrBadPayload          = errors.New("bad payload")
	ErrRateLimited         = errors.New("rate limited")
)

// Error codes carried by the signaling "error" event.
const (
	CodeBadPayload       = "bad_payload"
	CodeCapacityExceeded = "capacity_exceeded"
	CodeUnauthorized     = "unauthorized"
	CodeNotInMeeting     = "not_in_meeting"
	CodeNotFound         = "not_found"
	CodeTimeout          = "timeout"
	CodeDisabled         = "disabled"
	CodeRateLimited      = "rate_limited"
	CodeUnsupported      = "unsupported"
	CodeInternal         = "internal"
)

// SignalError is an error reported to the originating connection only.
type SignalError struct {
	Code    string
	Message string
	Err     error
}

func (e *SignalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SignalError) Unwrap() error { return e.Err }

// AsSignalError maps any error onto the caller-visible taxonomy.
func AsSignalError(err error) *SignalError {
	var se *SignalError
	if errors.As(err, &se) {
		return se
	}
	code := CodeInternal
	switch {
	case errors.Is(err, ErrBadPayload), errors.Is(err, ErrDisplayNameTooLong), errors.Is(err, ErrLanguageTooLong):
		code = CodeBadPayload
	case errors.Is(err, ErrCapacityExceeded):
		code = CodeCapacityExceeded
	case errors.Is(err, ErrUnauthorized):
		code = CodeUnauthorized
	case errors.Is(err, ErrNotInMeeting):
		code = CodeNotInMeeting
	case errors.Is(err, ErrTransportNotFound), errors.Is(err, ErrProducerNotFound), errors.Is(err, ErrParticipantNotFound):
		code = CodeNotFound
	case errors.Is(err, ErrRequestTimeout):
		code = CodeTimeout
	case errors.Is(err, ErrFeatureDisabled):
		code = CodeDisabled
	case errors.Is(err, ErrRateLimited):
		code = CodeRateLimited
	case errors.Is(err, ErrUnsupportedLanguage), errors.Is(err, ErrCannotConsume):
		code = CodeUnsupported
	}
	msg := "internal error"
	if code != CodeInternal {
		msg = err.Error()
	}
	return &SignalError{Code: code, Message: msg, Err: err}
}
