// Package domain contains entities without transport logic, just meta-data.
package domain

import "time"

type (
	MeetingID     string
	ParticipantID string
	TransportID   string
)

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleParticipant, RoleObserver:
		return true
	}
	return false
}

// MeetingInfo is a read-only view of a live meeting.
type MeetingInfo struct {
	ID               MeetingID     `json:"id"`
	HostID           ParticipantID `json:"hostId,omitempty"`
	ParticipantCount int           `json:"participantCount"`
	CreatedAt        time.Time     `json:"createdAt"`
}

type HostAction string

const (
	HostActionMute         HostAction = "mute_user"
	HostActionDisableVideo HostAction = "disable_video"
	HostActionClearChat    HostAction = "clear_chat"
)

func (a HostAction) Valid() bool {
	switch a {
	case HostActionMute, HostActionDisableVideo, HostActionClearChat:
		return true
	}
	return false
}

// NeedsTarget reports whether the action is aimed at a single participant.
func (a HostAction) NeedsTarget() bool {
	return a == HostActionMute || a == HostActionDisableVideo
}
