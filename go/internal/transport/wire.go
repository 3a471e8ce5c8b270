package transport

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameType identifies a relay or mesh frame.
type FrameType uint8

const (
	FrameHello FrameType = iota + 1
	FrameWelcome
	FrameUpdate
	FrameSnapshot
	FrameAwareness
	FrameLeave
	FrameError
	FrameJoined
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameWelcome:
		return "welcome"
	case FrameUpdate:
		return "update"
	case FrameSnapshot:
		return "snapshot"
	case FrameAwareness:
		return "awareness"
	case FrameLeave:
		return "leave"
	case FrameError:
		return "error"
	case FrameJoined:
		return "joined"
	}
	return fmt.Sprintf("frame(%d)", uint8(t))
}

// Hello flags.
const (
	FlagCreate uint64 = 1 << iota
	FlagCustomPassword
	FlagHasSnapshot
)

// Frame is the unit exchanged over relay websockets and mesh data channels.
// Payloads are sealed by the sender; frames themselves are not.
type Frame struct {
	Type     FrameType
	Room     string
	ClientID uint64
	Payload  []byte
	Code     string
	Message  string
	Flags    uint64
	Peers    []uint64
}

const (
	fieldType     protowire.Number = 1
	fieldRoom     protowire.Number = 2
	fieldClientID protowire.Number = 3
	fieldPayload  protowire.Number = 4
	fieldCode     protowire.Number = 5
	fieldMessage  protowire.Number = 6
	fieldFlags    protowire.Number = 7
	fieldPeer     protowire.Number = 8
)

var ErrMalformedFrame = errors.New("malformed frame")

// Marshal encodes f in protobuf wire format.
func (f *Frame) Marshal() []byte {
	b := make([]byte, 0, 32+len(f.Payload))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	if f.Room != "" {
		b = protowire.AppendTag(b, fieldRoom, protowire.BytesType)
		b = protowire.AppendString(b, f.Room)
	}
	if f.ClientID != 0 {
		b = protowire.AppendTag(b, fieldClientID, protowire.VarintType)
		b = protowire.AppendVarint(b, f.ClientID)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if f.Code != "" {
		b = protowire.AppendTag(b, fieldCode, protowire.BytesType)
		b = protowire.AppendString(b, f.Code)
	}
	if f.Message != "" {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, f.Message)
	}
	if f.Flags != 0 {
		b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Flags)
	}
	for _, peer := range f.Peers {
		b = protowire.AppendTag(b, fieldPeer, protowire.VarintType)
		b = protowire.AppendVarint(b, peer)
	}
	return b
}

// UnmarshalFrame decodes a frame, skipping unknown fields.
func UnmarshalFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldType || num == fieldClientID || num == fieldFlags || num == fieldPeer):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldType:
				f.Type = FrameType(v)
			case fieldClientID:
				f.ClientID = v
			case fieldFlags:
				f.Flags = v
			case fieldPeer:
				f.Peers = append(f.Peers, v)
			}
		case typ == protowire.BytesType && (num == fieldRoom || num == fieldPayload || num == fieldCode || num == fieldMessage):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldRoom:
				f.Room = string(v)
			case fieldPayload:
				f.Payload = append([]byte(nil), v...)
			case fieldCode:
				f.Code = string(v)
			case fieldMessage:
				f.Message = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Type == 0 {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// Has reports whether flag is set.
func (f *Frame) Has(flag uint64) bool {
	return f.Flags&flag != 0
}
