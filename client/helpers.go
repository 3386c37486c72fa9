package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/cory-johannsen/roomlink/internal/transport"
	"github.com/cory-johannsen/roomlink/protocol"
)

// Reactions accepted by React.
var Reactions = []string{"clap", "heart", "thumbs", "wave", "wink"}

// goldBars maps tip amounts to their item ids.
var goldBars = map[int]string{
	1:     "gold_bar_1",
	5:     "gold_bar_5",
	10:    "gold_bar_10",
	50:    "gold_bar_50",
	100:   "gold_bar_100",
	500:   "gold_bar_500",
	1000:  "gold_bar_1k",
	5000:  "gold_bar_5000",
	10000: "gold_bar_10k",
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid("%s is required", name)
	}
	return nil
}

// notSelf rejects actions aimed at the client's own user.
func (c *Client) notSelf(userID string) error {
	if self := c.sessions.Current().UserID; self != "" && userID == self {
		return fmt.Errorf("%w: %s", ErrAccessDenied, userID)
	}
	return nil
}

// Say sends a public chat message.
func (c *Client) Say(message string) error {
	if err := required("message", message); err != nil {
		return err
	}
	return c.Send(protocol.ChatRequest{Message: message})
}

// Whisper sends a private chat message to another user in the room.
func (c *Client) Whisper(userID, message string) error {
	if err := required("user id", userID); err != nil {
		return err
	}
	if err := required("message", message); err != nil {
		return err
	}
	if err := c.notSelf(userID); err != nil {
		return err
	}
	return c.Send(protocol.ChatRequest{Message: message, WhisperTargetID: &userID})
}

// SendDirectMessage posts text to a conversation.
func (c *Client) SendDirectMessage(conversationID, text string) error {
	if err := required("conversation id", conversationID); err != nil {
		return err
	}
	if err := required("message", text); err != nil {
		return err
	}
	return c.Send(protocol.SendMessageRequest{
		ConversationID: conversationID,
		Content:        text,
		MessageType:    protocol.MessageTypeText,
	})
}

// Invite posts a room invite to a conversation.
func (c *Client) Invite(conversationID, roomID string) error {
	if err := required("conversation id", conversationID); err != nil {
		return err
	}
	if err := transport.ValidateRoomID(roomID); err != nil {
		return err
	}
	return c.Send(protocol.SendMessageRequest{
		ConversationID: conversationID,
		MessageType:    protocol.MessageTypeInvite,
		RoomID:         &roomID,
	})
}

// LeaveConversation leaves a direct message conversation.
func (c *Client) LeaveConversation(conversationID string) error {
	if err := required("conversation id", conversationID); err != nil {
		return err
	}
	return c.Send(protocol.LeaveConversationRequest{ConversationID: conversationID})
}

// Walk moves the bot to a floor position.
func (c *Client) Walk(x, y, z float64, facing protocol.Facing) error {
	if !facing.Valid() {
		return invalid("facing %q", facing)
	}
	dest := protocol.Position{X: x, Y: y, Z: z, Facing: facing}
	if err := c.Send(protocol.FloorHitRequest{Destination: dest}); err != nil {
		return err
	}
	c.trackMove(c.sessions.Current().UserID, dest)
	return nil
}

// Sit moves the bot onto an entity anchor.
func (c *Client) Sit(entityID string, anchor int) error {
	if err := required("entity id", entityID); err != nil {
		return err
	}
	if anchor < 0 {
		return invalid("anchor index %d", anchor)
	}
	return c.Send(protocol.AnchorHitRequest{Anchor: protocol.AnchorPosition{EntityID: entityID, AnchorIndex: anchor}})
}

// Teleport moves a user to a floor position.
func (c *Client) Teleport(userID string, x, y, z float64, facing protocol.Facing) error {
	if err := required("user id", userID); err != nil {
		return err
	}
	if !facing.Valid() {
		return invalid("facing %q", facing)
	}
	dest := protocol.Position{X: x, Y: y, Z: z, Facing: facing}
	if err := c.Send(protocol.TeleportRequest{UserID: userID, Destination: dest}); err != nil {
		return err
	}
	c.trackMove(userID, dest)
	return nil
}

func (c *Client) trackMove(userID string, pos protocol.Position) {
	if !c.opts.Cache || userID == "" {
		return
	}
	c.roster.Move(protocol.UserMoved{User: protocol.User{ID: userID}, Position: &pos})
}

// MoveToRoom sends a user to another room.
func (c *Client) MoveToRoom(userID, roomID string) error {
	if err := required("user id", userID); err != nil {
		return err
	}
	if err := transport.ValidateRoomID(roomID); err != nil {
		return err
	}
	return c.Send(protocol.MoveUserToRoomRequest{UserID: userID, RoomID: roomID})
}

// Emote plays an emote. An empty targetUserID targets the bot.
func (c *Client) Emote(emoteID, targetUserID string) error {
	if err := required("emote id", emoteID); err != nil {
		return err
	}
	req := protocol.EmoteRequest{EmoteID: emoteID}
	if targetUserID != "" {
		req.TargetUserID = &targetUserID
	}
	return c.Send(req)
}

// React sends a reaction to another user.
func (c *Client) React(userID, reaction string) error {
	if err := required("user id", userID); err != nil {
		return err
	}
	if err := c.notSelf(userID); err != nil {
		return err
	}
	if !validReaction(reaction) {
		return invalid("reaction %q, want one of %s", reaction, strings.Join(Reactions, ", "))
	}
	return c.Send(protocol.ReactionRequest{Reaction: reaction, TargetUserID: userID})
}

func validReaction(r string) bool {
	for _, known := range Reactions {
		if r == known {
			return true
		}
	}
	return false
}

// Tip gives gold bars to another user and returns the server's result,
// "success" or "insufficient_funds".
func (c *Client) Tip(ctx context.Context, userID string, amount int) (string, error) {
	if err := required("user id", userID); err != nil {
		return "", err
	}
	if err := c.notSelf(userID); err != nil {
		return "", err
	}
	bar, ok := goldBars[amount]
	if !ok {
		return "", invalid("tip amount %d", amount)
	}
	var resp protocol.TipUserResponse
	if err := c.Request(ctx, protocol.TipUserRequest{UserID: userID, GoldBar: bar}, 0, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

func (c *Client) moderate(userID, action string, seconds *int) error {
	if err := required("user id", userID); err != nil {
		return err
	}
	return c.Send(protocol.ModerateRoomRequest{UserID: userID, Action: action, ActionLength: seconds})
}

// Kick removes a user from the room.
func (c *Client) Kick(userID string) error {
	return c.moderate(userID, protocol.ModerationKick, nil)
}

// Ban bans a user for seconds.
func (c *Client) Ban(userID string, seconds int) error {
	if seconds <= 0 {
		return invalid("ban length %d", seconds)
	}
	return c.moderate(userID, protocol.ModerationBan, &seconds)
}

// Mute mutes a user for seconds.
func (c *Client) Mute(userID string, seconds int) error {
	if seconds <= 0 {
		return invalid("mute length %d", seconds)
	}
	return c.moderate(userID, protocol.ModerationMute, &seconds)
}

// Unmute lifts a mute by muting for one second.
func (c *Client) Unmute(userID string) error {
	one := 1
	return c.moderate(userID, protocol.ModerationMute, &one)
}

// Unban lifts a ban.
func (c *Client) Unban(userID string) error {
	return c.moderate(userID, protocol.ModerationUnban, nil)
}

// InviteSpeaker grants a user voice.
func (c *Client) InviteSpeaker(userID string) error {
	if err := required("user id", userID); err != nil {
		return err
	}
	return c.Send(protocol.InviteSpeakerRequest{UserID: userID})
}

// RemoveSpeaker revokes a user's voice.
func (c *Client) RemoveSpeaker(userID string) error {
	if err := required("user id", userID); err != nil {
		return err
	}
	return c.Send(protocol.RemoveSpeakerRequest{UserID: userID})
}

// RoomUsers asks the server who is in the room.
func (c *Client) RoomUsers(ctx context.Context) ([]protocol.RoomUser, error) {
	var resp protocol.RoomUsersResponse
	if err := c.Request(ctx, protocol.GetRoomUsersRequest{}, 0, &resp); err != nil {
		return nil, err
	}
	return resp.Content, nil
}

// Inventory returns the bot's items.
func (c *Client) Inventory(ctx context.Context) ([]protocol.Item, error) {
	var resp protocol.InventoryResponse
	if err := c.Request(ctx, protocol.GetInventoryRequest{}, 0, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Wallet returns the bot's currency balances.
func (c *Client) Wallet(ctx context.Context) ([]protocol.CurrencyItem, error) {
	var resp protocol.WalletResponse
	if err := c.Request(ctx, protocol.GetWalletRequest{}, 0, &resp); err != nil {
		return nil, err
	}
	return resp.Content, nil
}

// Conversations lists direct message conversations, paging after lastID when set.
func (c *Client) Conversations(ctx context.Context, notJoined bool, lastID string) (protocol.ConversationsResponse, error) {
	req := protocol.GetConversationsRequest{NotJoined: notJoined}
	if lastID != "" {
		req.LastID = &lastID
	}
	var resp protocol.ConversationsResponse
	err := c.Request(ctx, req, 0, &resp)
	return resp, err
}

// Messages lists a conversation's messages, paging after lastMessageID when set.
func (c *Client) Messages(ctx context.Context, conversationID, lastMessageID string) ([]protocol.Message, error) {
	if err := required("conversation id", conversationID); err != nil {
		return nil, err
	}
	req := protocol.GetMessagesRequest{ConversationID: conversationID}
	if lastMessageID != "" {
		req.LastMessageID = &lastMessageID
	}
	var resp protocol.MessagesResponse
	if err := c.Request(ctx, req, 0, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}
