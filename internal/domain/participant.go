package domain

import (
	"errors"
	"slices"
	"strings"
	"time"
)

const (
	MaxDisplayNameLen = 64
	MaxLanguageLen    = 16
	DefaultName       = "guest"
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrLanguageTooLong    = errors.New("language tag too long")
)

// ParticipantInfo is what a client announces about itself on join.
type ParticipantInfo struct {
	DisplayName       string `json:"displayName" validate:"omitempty,max=64"`
	PreferredLanguage string `json:"preferredLanguage" validate:"omitempty,max=16"`
}

type Participant struct {
	ID                ParticipantID `json:"id"`
	MeetingID         MeetingID     `json:"meetingId"`
	DisplayName       string        `json:"displayName"`
	PreferredLanguage string        `json:"preferredLanguage,omitempty"`
	Role              Role          `json:"role"`
	Muted             bool          `json:"muted"`
	CameraOff         bool          `json:"cameraOff"`
	Transports        []TransportID `json:"transports,omitempty"`
	JoinedAt          time.Time     `json:"joinedAt"`
}

// NewParticipant validates info and builds a plain participant of a meeting.
func NewParticipant(id ParticipantID, meetingID MeetingID, info ParticipantInfo) (*Participant, error) {
	name := strings.TrimSpace(info.DisplayName)
	if name == "" {
		name = DefaultName
	}
	if len(name) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	if len(info.PreferredLanguage) > MaxLanguageLen {
		return nil, ErrLanguageTooLong
	}
	return &Participant{
		ID:                id,
		MeetingID:         meetingID,
		DisplayName:       name,
		PreferredLanguage: info.PreferredLanguage,
		Role:              RoleParticipant,
		JoinedAt:          time.Now().UTC(),
	}, nil
}

func (p *Participant) IsHost() bool { return p.Role == RoleHost }

func (p *Participant) AddTransport(id TransportID) {
	if !slices.Contains(p.Transports, id) {
		p.Transports = append(p.Transports, id)
	}
}

func (p *Participant) RemoveTransport(id TransportID) bool {
	i := slices.Index(p.Transports, id)
	if i < 0 {
		return false
	}
	p.Transports = slices.Delete(p.Transports, i, i+1)
	return true
}

// Clone returns a copy safe to hand out of a lock.
func (p *Participant) Clone() Participant {
	c := *p
	c.Transports = slices.Clone(p.Transports)
	return c
}
