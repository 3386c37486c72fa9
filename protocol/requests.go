package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request is an outbound frame body.
type Request interface {
	RequestType() string
}

// Correlated is a Request the server answers with a frame echoing its rid.
type Correlated interface {
	Request
	ResponseType() string
}

// KeepaliveRequest must be sent at least every 15 seconds.
type KeepaliveRequest struct{}

func (KeepaliveRequest) RequestType() string { return "KeepaliveRequest" }

// ChatRequest sends a public message, or a whisper when WhisperTargetID is set.
type ChatRequest struct {
	Message         string  `json:"message"`
	WhisperTargetID *string `json:"whisper_target_id"`
}

func (ChatRequest) RequestType() string { return "ChatRequest" }

// Direct message content types.
const (
	MessageTypeText   = "text"
	MessageTypeInvite = "invite"
)

type SendMessageRequest struct {
	ConversationID string  `json:"conversation_id"`
	Content        string  `json:"content"`
	MessageType    string  `json:"type"`
	RoomID         *string `json:"room_id"`
}

func (SendMessageRequest) RequestType() string { return "SendMessageRequest" }

type FloorHitRequest struct {
	Destination Position `json:"destination"`
}

func (FloorHitRequest) RequestType() string { return "FloorHitRequest" }

type AnchorHitRequest struct {
	Anchor AnchorPosition `json:"anchor"`
}

func (AnchorHitRequest) RequestType() string { return "AnchorHitRequest" }

type EmoteRequest struct {
	EmoteID      string  `json:"emote_id"`
	TargetUserID *string `json:"target_user_id"`
}

func (EmoteRequest) RequestType() string { return "EmoteRequest" }

type ReactionRequest struct {
	Reaction     string `json:"reaction"`
	TargetUserID string `json:"target_user_id"`
}

func (ReactionRequest) RequestType() string { return "ReactionRequest" }

type TeleportRequest struct {
	UserID      string   `json:"user_id"`
	Destination Position `json:"destination"`
}

func (TeleportRequest) RequestType() string { return "TeleportRequest" }

// Moderation actions accepted by ModerateRoomRequest.
const (
	ModerationKick  = "kick"
	ModerationBan   = "ban"
	ModerationUnban = "unban"
	ModerationMute  = "mute"
)

// ModerateRoomRequest applies a moderation action; ActionLength is in seconds.
type ModerateRoomRequest struct {
	UserID       string `json:"user_id"`
	Action       string `json:"moderation_action"`
	ActionLength *int   `json:"action_length"`
}

func (ModerateRoomRequest) RequestType() string { return "ModerateRoomRequest" }

type TipUserRequest struct {
	UserID  string `json:"user_id"`
	GoldBar string `json:"gold_bar"`
}

func (TipUserRequest) RequestType() string  { return "TipUserRequest" }
func (TipUserRequest) ResponseType() string { return "TipUserResponse" }

type GetRoomUsersRequest struct{}

func (GetRoomUsersRequest) RequestType() string  { return "GetRoomUsersRequest" }
func (GetRoomUsersRequest) ResponseType() string { return "GetRoomUsersResponse" }

type GetInventoryRequest struct{}

func (GetInventoryRequest) RequestType() string  { return "GetInventoryRequest" }
func (GetInventoryRequest) ResponseType() string { return "GetInventoryResponse" }

type GetWalletRequest struct{}

func (GetWalletRequest) RequestType() string  { return "GetWalletRequest" }
func (GetWalletRequest) ResponseType() string { return "GetWalletResponse" }

type GetConversationsRequest struct {
	NotJoined bool    `json:"not_joined"`
	LastID    *string `json:"last_id"`
}

func (GetConversationsRequest) RequestType() string  { return "GetConversationsRequest" }
func (GetConversationsRequest) ResponseType() string { return "GetConversationsResponse" }

type GetMessagesRequest struct {
	ConversationID string  `json:"conversation_id"`
	LastMessageID  *string `json:"last_message_id"`
}

func (GetMessagesRequest) RequestType() string  { return "GetMessagesRequest" }
func (GetMessagesRequest) ResponseType() string { return "GetMessagesResponse" }

type InviteSpeakerRequest struct {
	UserID string `json:"user_id"`
}

func (InviteSpeakerRequest) RequestType() string { return "InviteSpeakerRequest" }

type RemoveSpeakerRequest struct {
	UserID string `json:"user_id"`
}

func (RemoveSpeakerRequest) RequestType() string { return "RemoveSpeakerRequest" }

// MoveUserToRoomRequest sends a user to another room.
type MoveUserToRoomRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

func (MoveUserToRoomRequest) RequestType() string { return "MoveUserToRoomRequest" }

type LeaveConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (LeaveConversationRequest) RequestType() string { return "LeaveConversationRequest" }

// RoomUser is one entry of a room user listing.
type RoomUser struct {
	User     User
	Position Position
}

// UnmarshalJSON decodes the wire form [user, position].
func (r *RoomUser) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("room user entry has %d elements, want 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &r.User); err != nil {
		return fmt.Errorf("room user: %w", err)
	}
	// anchored users have no floor coordinates; leave Position zero
	_ = json.Unmarshal(pair[1], &r.Position)
	return nil
}

type RoomUsersResponse struct {
	Content []RoomUser `json:"content"`
}

// Item is an inventory entry.
type Item struct {
	Type   string `json:"type"`
	Amount int    `json:"amount"`
	ID     string `json:"id"`
}

type InventoryResponse struct {
	Items []Item `json:"items"`
}

type WalletResponse struct {
	Content []CurrencyItem `json:"content"`
}

// TipUserResponse.Result is "success" or "insufficient_funds".
type TipUserResponse struct {
	Result string `json:"result"`
}

type Conversation struct {
	ID          string   `json:"id"`
	DidJoin     bool     `json:"did_join"`
	UnreadCount int      `json:"unread_count"`
	LastMessage *Message `json:"last_message"`
	Muted       bool     `json:"muted"`
	MemberIDs   []string `json:"member_ids"`
	Name        string   `json:"name"`
	OwnerID     string   `json:"owner_id"`
}

type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	NotJoined     int            `json:"not_joined"`
}

type Message struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"createdAt"`
	Content        string    `json:"content"`
	SenderID       string    `json:"sender_id"`
	Category       string    `json:"category"`
}

type MessagesResponse struct {
	Messages []Message `json:"messages"`
}
