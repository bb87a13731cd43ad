package signal

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/quasipeer/internal/app/media"
	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

// Inbound message types.
const (
	MsgPing                  = "ping"
	MsgWhoAmI                = "whoami"
	MsgGetRouterCapabilities = "get-router-capabilities"
	MsgJoinMeeting           = "join-meeting"
	MsgLeaveMeeting          = "leave-meeting"
	MsgCreateTransport       = "create-transport"
	MsgConnectTransport      = "connect-transport"
	MsgProduce               = "produce"
	MsgConsume               = "consume"
	MsgCloseProducer         = "close-producer"
	MsgToggleMedia           = "toggle-media"
	MsgHostAction            = "host_action"
	MsgSetRole               = "set-role"
	MsgTranscriptionRequest  = "transcription-request"
	MsgTranslationRequest    = "translation-request"
)

// Outbound event types.
const (
	MsgPong                = "pong"
	MsgError               = "error"
	MsgRouterCapabilities  = "router-capabilities"
	MsgMeetingState        = "meeting-state"
	MsgLeft                = "left"
	MsgTransportParameters = "transport-parameters"
	MsgTransportConnected  = "transport-connected"
	MsgTransportClosed     = "transport-closed"
	MsgProducerCreated     = "producer-created"
	MsgNewProducer         = "new-producer"
	MsgProducerClosed      = "producer-closed"
	MsgConsumerCreated     = "consumer-created"
	MsgParticipantJoined   = "participant-joined"
	MsgParticipantLeft     = "participant-left"
	MsgParticipantUpdated  = "participant-updated"
	MsgHostChanged         = "host-changed"
	MsgRoleChanged         = "role-changed"
	MsgForceMute           = "force-mute"
	MsgForceVideoOff       = "force-video-off"
	MsgTranscriptionResult = "transcription-result"
	MsgTranslationResult   = "translation-result"
	MsgMeetingSummary      = "meeting-summary"
)

type joinMeetingMsg struct {
	MeetingID       string                 `json:"meetingId" validate:"required,max=128"`
	ParticipantInfo domain.ParticipantInfo `json:"participantInfo"`
}

type createTransportMsg struct {
	Direction string `json:"direction" validate:"required,oneof=send recv"`
}

type connectTransportMsg struct {
	TransportID    string                `json:"transportId" validate:"required"`
	ICEParameters  *webrtc.ICEParameters `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type produceMsg struct {
	TransportID   string             `json:"transportId" validate:"required"`
	Kind          core.MediaKind     `json:"kind" validate:"required,oneof=audio video"`
	RtpParameters core.RtpParameters `json:"rtpParameters"`
}

type consumeMsg struct {
	TransportID     string               `json:"transportId" validate:"required"`
	ProducerID      string               `json:"producerId" validate:"required"`
	RtpCapabilities core.RtpCapabilities `json:"rtpCapabilities"`
}

type closeProducerMsg struct {
	ProducerID string `json:"producerId" validate:"required"`
}

type toggleMediaMsg struct {
	Kind    string `json:"kind" validate:"required,oneof=audio video"`
	Enabled *bool  `json:"enabled" validate:"required"`
}

type hostActionMsg struct {
	RoomID   string `json:"roomId"`
	Action   string `json:"action" validate:"required,oneof=mute_user disable_video clear_chat"`
	TargetID string `json:"targetId"`
}

type setRoleMsg struct {
	TargetID string `json:"targetId" validate:"required"`
	Role     string `json:"role" validate:"required,oneof=host participant observer"`
}

type transcriptionMsg struct {
	Audio    []byte `json:"audio" validate:"required"`
	Language string `json:"language" validate:"omitempty,max=16"`
}

type translationMsg struct {
	Text           string `json:"text" validate:"required,max=5000"`
	TargetLanguage string `json:"targetLanguage" validate:"required,max=16"`
}

type typed struct {
	Type string `json:"type"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

type routerCapabilitiesEvent struct {
	Type            string               `json:"type"`
	RtpCapabilities core.RtpCapabilities `json:"rtpCapabilities"`
}

type meetingStateEvent struct {
	Type          string                                        `json:"type"`
	MeetingID     domain.MeetingID                              `json:"meetingId"`
	ParticipantID domain.ParticipantID                          `json:"participantId"`
	HostID        domain.ParticipantID                          `json:"hostId"`
	IsHost        bool                                          `json:"isHost"`
	Participants  []domain.Participant                          `json:"participants"`
	Producers     map[domain.ParticipantID][]media.ProducerInfo `json:"producers"`
	E2EE          bool                                          `json:"e2ee"`
}

type transportEvent struct {
	Type string `json:"type"`
	core.TransportParameters
	Direction string `json:"direction"`
}

type transportRefEvent struct {
	Type        string `json:"type"`
	TransportID string `json:"transportId"`
}

type producerEvent struct {
	Type          string               `json:"type"`
	ID            string               `json:"id,omitempty"`
	ProducerID    string               `json:"producerId,omitempty"`
	ParticipantID domain.ParticipantID `json:"participantId,omitempty"`
	Kind          core.MediaKind       `json:"kind,omitempty"`
}

type consumerEvent struct {
	Type string `json:"type"`
	media.ConsumerInfo
}

type participantEvent struct {
	Type        string               `json:"type"`
	Participant domain.Participant   `json:"participant"`
	HostID      domain.ParticipantID `json:"hostId,omitempty"`
}

type hostChangedEvent struct {
	Type           string               `json:"type"`
	HostID         domain.ParticipantID `json:"hostId"`
	PreviousHostID domain.ParticipantID `json:"previousHostId,omitempty"`
}

type hostActionEvent struct {
	Type     string               `json:"type"`
	Action   domain.HostAction    `json:"action"`
	TargetID domain.ParticipantID `json:"targetId,omitempty"`
	By       domain.ParticipantID `json:"by"`
}

type transcriptionEvent struct {
	Type string `json:"type"`
	domain.TranscriptionResult
}

type translationEvent struct {
	Type string `json:"type"`
	domain.TranslationResult
}

type summaryEvent struct {
	Type string `json:"type"`
	domain.MeetingSummary
}

type whoAmIEvent struct {
	Type          string               `json:"type"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	MeetingID     domain.MeetingID     `json:"meetingId,omitempty"`
	DisplayName   string               `json:"displayName,omitempty"`
	Role          domain.Role          `json:"role,omitempty"`
}
