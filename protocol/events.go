package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrServer marks errors reported by the server in an Error frame.
var ErrServer = errors.New("server error")

// Event is a normalized public event.
type Event interface {
	Kind() EventKind
}

// User identifies a room participant.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Facing is the direction an avatar faces.
type Facing string

const (
	FacingFrontRight Facing = "FrontRight"
	FacingFrontLeft  Facing = "FrontLeft"
	FacingBackRight  Facing = "BackRight"
	FacingBackLeft   Facing = "BackLeft"
)

// Valid reports whether f is one of the four facings.
func (f Facing) Valid() bool {
	switch f {
	case FacingFrontRight, FacingFrontLeft, FacingBackRight, FacingBackLeft:
		return true
	}
	return false
}

// Position is a floor coordinate.
type Position struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Facing Facing  `json:"facing"`
}

// AnchorPosition is a seat on a room entity.
type AnchorPosition struct {
	EntityID    string `json:"entity_id"`
	AnchorIndex int    `json:"anchor_ix"`
}

// CurrencyItem is an amount of a currency.
type CurrencyItem struct {
	Type   string `json:"type"`
	Amount int    `json:"amount"`
}

// Ready is emitted when the server confirms the session.
type Ready struct {
	UserID       string
	ConnectionID string
	RoomName     string
	OwnerID      string
	RateLimits   map[string]json.RawMessage
	SDKVersion   string
}

// Chat is a room chat line, public or whispered to the client.
type Chat struct {
	User    User
	Text    string
	Whisper bool
}

// DirectMessage signals a new direct message in a conversation.
type DirectMessage struct {
	UserID          string
	ConversationID  string
	NewConversation bool
}

// UserJoined is emitted when a user enters the room.
type UserJoined struct {
	User     User
	Position Position
}

// UserLeft is emitted when a user leaves the room.
type UserLeft struct {
	User User
}

// UserMoved carries exactly one of Position or Anchor.
type UserMoved struct {
	User     User
	Position *Position
	Anchor   *AnchorPosition
}

type Emote struct {
	Sender   User
	Receiver User
	EmoteID  string
}

type Reaction struct {
	Sender   User
	Receiver User
	Reaction string
}

type Tip struct {
	Sender   User
	Receiver User
	Item     CurrencyItem
}

// VoiceUser is one participant's voice status.
type VoiceUser struct {
	User   User
	Status string
}

type VoiceState struct {
	Users       []VoiceUser
	SecondsLeft int
}

// Moderation describes a moderation action taken in the room.
// Duration is nil for actions without a length.
type Moderation struct {
	ModeratorID  string
	TargetUserID string
	Action       string
	Duration     *int
}

// ChannelMessage is a hidden channel broadcast.
type ChannelMessage struct {
	SenderID string
	Message  string
	Tags     []string
}

// ServerError is an Error frame. It is both a public event and the error a
// correlated request is rejected with when the server answers its rid with Error.
type ServerError struct {
	Message string
	RID     string
}

func (e ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// Is makes errors.Is(err, ErrServer) match any ServerError.
func (e ServerError) Is(target error) bool {
	return target == ErrServer
}

// TransportError reports a socket failure that triggered a reconnect.
type TransportError struct {
	Err error
}

func (Ready) Kind() EventKind          { return KindReady }
func (DirectMessage) Kind() EventKind  { return KindDirectMessage }
func (UserJoined) Kind() EventKind     { return KindUserJoined }
func (UserLeft) Kind() EventKind       { return KindUserLeft }
func (UserMoved) Kind() EventKind      { return KindUserMoved }
func (Emote) Kind() EventKind          { return KindEmote }
func (Reaction) Kind() EventKind       { return KindReaction }
func (Tip) Kind() EventKind            { return KindTip }
func (VoiceState) Kind() EventKind     { return KindVoice }
func (Moderation) Kind() EventKind     { return KindModeration }
func (ChannelMessage) Kind() EventKind { return KindChannel }
func (ServerError) Kind() EventKind    { return KindError }
func (TransportError) Kind() EventKind { return KindTransportError }

func (c Chat) Kind() EventKind {
	if c.Whisper {
		return KindWhisper
	}
	return KindChat
}

type wireSession struct {
	UserID   string `json:"user_id"`
	RoomInfo struct {
		OwnerID  string `json:"owner_id"`
		RoomName string `json:"room_name"`
	} `json:"room_info"`
	RateLimits   map[string]json.RawMessage `json:"rate_limits"`
	ConnectionID string                     `json:"connection_id"`
	SDKVersion   string                     `json:"sdk_version"`
}

type wirePair struct {
	User     User `json:"user"`
	Receiver User `json:"receiver"`
}

// Normalize converts a decoded frame into its public event.
//
// Postcondition: Returns an Event, an error wrapping ErrUnknownKind for frame
// types with no public mapping, or a decoding error for malformed payloads.
func Normalize(f Frame) (Event, error) {
	switch f.Type {
	case TypeSessionMetadata:
		var w wireSession
		if err := f.Unmarshal(&w); err != nil {
			return nil, err
		}
		return Ready{
			UserID:       w.UserID,
			ConnectionID: w.ConnectionID,
			RoomName:     w.RoomInfo.RoomName,
			OwnerID:      w.RoomInfo.OwnerID,
			RateLimits:   w.RateLimits,
			SDKVersion:   w.SDKVersion,
		}, nil

	case TypeChatEvent:
		var w struct {
			User    User `json:"user"`
			Whisper bool `json:"whisper"`
		}
		if err := f.Unmarshal(&w); err != nil {
			return nil, err
		}
		// message arrives either as a string or as {"text": ...}
		msg := gjson.GetBytes(f.Raw, "message")
		text := msg.String()
		if msg.IsObject() {
			text = msg.Get("text").String()
		}
		return Chat{User: w.User, Text: strings.TrimSpace(text), Whisper: w.Whisper}, nil

	case TypeMessageEvent:
		var w struct {
			UserID          string `json:"user_id"`
			ConversationID  string `json:"conversation_id"`
			NewConversation bool   `json:"is_new_conversation"`
		}
		if err := f.Unmarshal(&w); err != nil {
			return nil, err
		}
		return DirectMessage(w), nil

	case TypeUserJoinedEvent:
		var w struct {
			User     User     `json:"user"`
			Position Position `json:"position"`
		}
		if err := f.Unmarshal(&w); err != nil {
			return nil, err
		}
		return UserJoined(w), nil

	case TypeUserLeftEvent:
		var w struct {
			User User `json:"user"`
		}
		if err := f.Unmarshal(&w); err != nil {
			return nil, err
		}
		return UserLeft(w), nil

	case TypeUserMovedEvent:
		return normalizeMove(f)

	case TypeEmoteEvent:
		var w struct {
			wirePair
			EmoteID string `json:"emote_id"`
		}
		if err := f.Unmarshal(&w); err != nil {
			return nil, err
		}
		return Emote{Sender: w.User, Receiver: w.Receiver, EmoteID: w.EmoteID}, nil

	case TypeReactionEvent:
		var w struct {
			wirePair
			Reaction string `json:"reaction"`
		}
		if err := f.Unmarshal(&w); err != nil {
			return nil, err
		}
		return Reaction{Sender: w.User, Receiver: w.Receiver, Reaction: w.Reaction}, nil

	case TypeTipReactionEvent:
		var w struct {
			Sender   User         `json:"sender"`
			Receiver User         `json:"receiver"`
			Item     CurrencyItem `json:"item"`
		}
		if err := f.Unmarshal(&w); err != nil {
			return nil, err
		}
		return Tip(w), nil

	case TypeVoiceEvent:
		return normalizeVoice(f)

	case TypeRoomModerated:
		var w struct {
			ModeratorID  string `json:"moderatorId"`
			TargetUserID string `json:"targetUserId"`
			Action       string `json:"moderationType"`
			Duration     *int   `json:"duration"`
		}
		if err := f.Unmarshal(&w); err != nil {
			return nil, err
		}
		return Moderation(w), nil

	case TypeChannelEvent:
		var w struct {
			SenderID string   `json:"sender_id"`
			Message  string   `json:"message"`
			Tags     []string `json:"tags"`
		}
		if err := f.Unmarshal(&w); err != nil {
			return nil, err
		}
		return ChannelMessage(w), nil

	case TypeError:
		return ServerError{Message: gjson.GetBytes(f.Raw, "message").String(), RID: f.RID}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, f.Type)
}

func normalizeMove(f Frame) (Event, error) {
	var w struct {
		User User `json:"user"`
	}
	if err := f.Unmarshal(&w); err != nil {
		return nil, err
	}
	pos := gjson.GetBytes(f.Raw, "position")
	ev := UserMoved{User: w.User}
	switch {
	case pos.Get("x").Exists() && pos.Get("y").Exists() && pos.Get("z").Exists():
		var p Position
		if err := json.Unmarshal([]byte(pos.Raw), &p); err != nil {
			return nil, fmt.Errorf("decoding %s position: %w", f.Type, err)
		}
		ev.Position = &p
	case pos.Get("entity_id").Exists():
		var a AnchorPosition
		if err := json.Unmarshal([]byte(pos.Raw), &a); err != nil {
			return nil, fmt.Errorf("decoding %s anchor: %w", f.Type, err)
		}
		ev.Anchor = &a
	default:
		return nil, fmt.Errorf("decoding %s: position has neither coordinates nor anchor", f.Type)
	}
	return ev, nil
}

func normalizeVoice(f Frame) (Event, error) {
	var w struct {
		Users       [][]json.RawMessage `json:"users"`
		SecondsLeft int                 `json:"seconds_left"`
	}
	if err := f.Unmarshal(&w); err != nil {
		return nil, err
	}
	ev := VoiceState{SecondsLeft: w.SecondsLeft, Users: make([]VoiceUser, 0, len(w.Users))}
	for _, pair := range w.Users {
		if len(pair) != 2 {
			return nil, fmt.Errorf("decoding %s: voice entry has %d elements", f.Type, len(pair))
		}
		var vu VoiceUser
		if err := json.Unmarshal(pair[0], &vu.User); err != nil {
			return nil, fmt.Errorf("decoding %s user: %w", f.Type, err)
		}
		if err := json.Unmarshal(pair[1], &vu.Status); err != nil {
			return nil, fmt.Errorf("decoding %s status: %w", f.Type, err)
		}
		ev.Users = append(ev.Users, vu)
	}
	return ev, nil
}
