package ai

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The transcription service speaks two small messages; they are encoded by hand
// so the module does not carry generated stubs.

type audioRequest struct {
	AudioData []float32 // field 1, float32 LE bytes
	UserID    string    // field 2
	RoomID    string    // field 3
}

type transcriptionReply struct {
	Text       string  // 1
	Confidence float32 // 2
	UserID     string  // 3
	RoomID     string  // 4
	IsFinal    bool    // 5
	Error      string  // 6
}

func (r *audioRequest) marshal() []byte {
	var b []byte
	if len(r.AudioData) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSamples(r.AudioData))
	}
	b = appendString(b, 2, r.UserID)
	b = appendString(b, 3, r.RoomID)
	return b
}

func (r *audioRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				r.AudioData = decodeSamples(v)
			}
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.UserID = v
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.RoomID = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func (r *transcriptionReply) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.Text)
	if r.Confidence != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(r.Confidence))
	}
	b = appendString(b, 3, r.UserID)
	b = appendString(b, 4, r.RoomID)
	if r.IsFinal {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = appendString(b, 6, r.Error)
	return b
}

func (r *transcriptionReply) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 2 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			r.Confidence = math.Float32frombits(v)
			return n, nil
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.IsFinal = v != 0
			return n, nil
		case typ == protowire.BytesType && (num == 1 || num == 3 || num == 4 || num == 6):
			v, n := protowire.ConsumeString(b)
			switch num {
			case 1:
				r.Text = v
			case 3:
				r.UserID = v
			case 4:
				r.RoomID = v
			case 6:
				r.Error = v
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func encodeSamples(s []float32) []byte {
	out := make([]byte, 4*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func decodeSamples(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

// wireCodec plugs the hand-written messages into grpc.
type wireCodec struct{}

type wireMessage interface {
	marshal() []byte
	unmarshal([]byte) error
}

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("ai: cannot encode %T", v)
	}
	return m.marshal(), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("ai: cannot decode into %T", v)
	}
	return m.unmarshal(data)
}

func (wireCodec) Name() string { return "proto" }
