package core

import (
	"context"
	"strings"

	"github.com/pion/webrtc/v4"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

type RtpCodec struct {
	MimeType    string `json:"mimeType" validate:"required"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

type RtpEncoding struct {
	SSRC       uint32 `json:"ssrc" validate:"required"`
	RID        string `json:"rid,omitempty"`
	MaxBitrate uint64 `json:"maxBitrate,omitempty"`
}

type RtpParameters struct {
	Codecs    []RtpCodec    `json:"codecs" validate:"required,min=1,dive"`
	Encodings []RtpEncoding `json:"encodings" validate:"required,min=1,dive"`
}

// RtpCapabilities lists what an endpoint is able to receive.
type RtpCapabilities struct {
	Codecs []RtpCodec `json:"codecs"`
}

// Supports reports whether a codec with the given mime type is listed.
func (c RtpCapabilities) Supports(mime string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mime) {
			return true
		}
	}
	return false
}

// TransportParameters is what a client needs to connect to a server transport.
type TransportParameters struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams carries the client side of the ICE/DTLS handshake.
type ConnectParams struct {
	ICEParameters  *webrtc.ICEParameters `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type TransportOptions struct {
	Owner     string
	Direction string
}

// MediaEngine is the narrow surface of the SFU engine used by the adapter.
type MediaEngine interface {
	CreateTransport(ctx context.Context, opts TransportOptions) (EngineTransport, error)
	Capabilities() RtpCapabilities
	// Died delivers at most one error when the engine can no longer serve media.
	Died() <-chan error
	Close() error
}

type EngineTransport interface {
	ID() string
	Parameters() TransportParameters
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, kind MediaKind, rtp RtpParameters) (EngineProducer, error)
	Consume(ctx context.Context, producer EngineProducer, caps RtpCapabilities) (EngineConsumer, error)
	// OnClose fires once, whether closed locally or by the engine.
	OnClose(func())
	Close() error
}

type EngineProducer interface {
	ID() string
	Kind() MediaKind
	// SetPaused stops or resumes forwarding to every consumer.
	SetPaused(paused bool)
	OnClose(func())
	Close() error
}

type EngineConsumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	OnClose(func())
	Close() error
}
