package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrMalformedFrame is returned for frames that are not a JSON object.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMissingType is returned for frames without a "_type" discriminant.
	ErrMissingType = errors.New("frame has no type")
	// ErrUnknownKind is returned when a frame type has no public event mapping.
	ErrUnknownKind = errors.New("unknown frame type")
)

// Inbound frame types.
const (
	TypeSessionMetadata   = "SessionMetadata"
	TypeChatEvent         = "ChatEvent"
	TypeMessageEvent      = "MessageEvent"
	TypeUserJoinedEvent   = "UserJoinedEvent"
	TypeUserLeftEvent     = "UserLeftEvent"
	TypeUserMovedEvent    = "UserMovedEvent"
	TypeEmoteEvent        = "EmoteEvent"
	TypeReactionEvent     = "ReactionEvent"
	TypeTipReactionEvent  = "TipReactionEvent"
	TypeVoiceEvent        = "VoiceEvent"
	TypeRoomModerated     = "RoomModeratedEvent"
	TypeChannelEvent      = "ChannelEvent"
	TypeError             = "Error"
	TypeKeepaliveResponse = "KeepaliveResponse"
)

const (
	typeField = "_type"
	ridField  = "rid"
)

// Frame is one decoded inbound message: its discriminant, optional
// correlation id, and the raw bytes for typed decoding.
type Frame struct {
	Type string
	RID  string
	Raw  []byte
}

// IsResponse reports whether the frame is a reply to a client request.
func (f Frame) IsResponse() bool {
	return strings.HasSuffix(f.Type, "Response")
}

// Unmarshal decodes the frame body into v.
func (f Frame) Unmarshal(v any) error {
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return fmt.Errorf("decoding %s: %w", f.Type, err)
	}
	return nil
}

// Decode parses a raw inbound message into a Frame.
//
// Postcondition: Returns a Frame with a non-empty Type, or an error wrapping
// ErrMalformedFrame or ErrMissingType.
func Decode(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, ErrMalformedFrame
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Frame{}, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}
	t := root.Get(typeField)
	if t.Type != gjson.String || t.Str == "" {
		return Frame{}, ErrMissingType
	}
	return Frame{
		Type: t.Str,
		RID:  root.Get(ridField).String(),
		Raw:  raw,
	}, nil
}

// Encode renders req as an outbound frame carrying its discriminant and,
// when rid is non-empty, the correlation id.
//
// Postcondition: Returns a JSON object with "_type" set, or a non-nil error.
func Encode(req Request, rid string) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", req.RequestType(), err)
	}
	if string(body) == "null" {
		body = []byte("{}")
	}
	body, err = sjson.SetBytes(body, typeField, req.RequestType())
	if err != nil {
		return nil, fmt.Errorf("setting type on %s: %w", req.RequestType(), err)
	}
	if rid != "" {
		body, err = sjson.SetBytes(body, ridField, rid)
		if err != nil {
			return nil, fmt.Errorf("setting rid on %s: %w", req.RequestType(), err)
		}
	}
	return body, nil
}

// NewRID returns a fresh correlation id.
func NewRID() string {
	return uuid.NewString()
}
