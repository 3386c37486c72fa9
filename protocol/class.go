// Package protocol defines the room wire format: inbound frame decoding,
// outbound request encoding, and the normalized public events the client emits.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownEventClass is returned when an event class name is not recognized.
var ErrUnknownEventClass = errors.New("unknown event class")

// EventClass names a subscription the server can be asked to deliver.
// The string value is the wire parameter sent in the handshake.
type EventClass string

const (
	ClassChat        EventClass = "chat"
	ClassMessage     EventClass = "message"
	ClassUserJoined  EventClass = "user_joined"
	ClassUserLeft    EventClass = "user_left"
	ClassUserMoved   EventClass = "user_moved"
	ClassReaction    EventClass = "reaction"
	ClassEmote       EventClass = "emote"
	ClassTipReaction EventClass = "tip_reaction"
	ClassVoice       EventClass = "voice"
	ClassModeration  EventClass = "moderation"
	ClassChannel     EventClass = "channel"
)

// allClasses lists every class in handshake order.
var allClasses = []EventClass{
	ClassChat,
	ClassMessage,
	ClassUserJoined,
	ClassUserLeft,
	ClassUserMoved,
	ClassReaction,
	ClassEmote,
	ClassTipReaction,
	ClassVoice,
	ClassModeration,
	ClassChannel,
}

// Classes returns every known event class.
func Classes() []EventClass {
	out := make([]EventClass, len(allClasses))
	copy(out, allClasses)
	return out
}

// Valid reports whether c is a known event class.
func (c EventClass) Valid() bool {
	for _, known := range allClasses {
		if c == known {
			return true
		}
	}
	return false
}

// ParseEventClass resolves a case-insensitive class name.
//
// Postcondition: Returns a valid EventClass or an error wrapping ErrUnknownEventClass.
func ParseEventClass(name string) (EventClass, error) {
	c := EventClass(strings.ToLower(strings.TrimSpace(name)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventClass, name)
	}
	return c, nil
}

// EventMask renders classes as the comma separated handshake parameter.
// Duplicates are removed and the result follows handshake order.
func EventMask(classes []EventClass) string {
	want := make(map[EventClass]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}
	parts := make([]string, 0, len(want))
	for _, c := range allClasses {
		if want[c] {
			parts = append(parts, string(c))
		}
	}
	return strings.Join(parts, ",")
}

// EventKind identifies a normalized public event.
type EventKind string

const (
	KindReady          EventKind = "ready"
	KindChat           EventKind = "chat"
	KindWhisper        EventKind = "whisper"
	KindDirectMessage  EventKind = "direct_message"
	KindUserJoined     EventKind = "user_joined"
	KindUserLeft       EventKind = "user_left"
	KindUserMoved      EventKind = "user_moved"
	KindEmote          EventKind = "emote"
	KindReaction       EventKind = "reaction"
	KindTip            EventKind = "tip"
	KindVoice          EventKind = "voice"
	KindModeration     EventKind = "moderation"
	KindChannel        EventKind = "channel"
	KindError          EventKind = "error"
	KindTransportError EventKind = "transport_error"
)

// Kinds returns every public event kind.
func Kinds() []EventKind {
	return []EventKind{
		KindReady, KindChat, KindWhisper, KindDirectMessage, KindUserJoined,
		KindUserLeft, KindUserMoved, KindEmote, KindReaction, KindTip,
		KindVoice, KindModeration, KindChannel, KindError, KindTransportError,
	}
}

var kindClasses = map[EventKind]EventClass{
	KindChat:          ClassChat,
	KindWhisper:       ClassChat,
	KindDirectMessage: ClassMessage,
	KindUserJoined:    ClassUserJoined,
	KindUserLeft:      ClassUserLeft,
	KindUserMoved:     ClassUserMoved,
	KindEmote:         ClassEmote,
	KindReaction:      ClassReaction,
	KindTip:           ClassTipReaction,
	KindVoice:         ClassVoice,
	KindModeration:    ClassModeration,
	KindChannel:       ClassChannel,
}

// Class returns the subscription class that produces events of this kind.
// Ready and error kinds belong to no class and are always delivered.
func (k EventKind) Class() (EventClass, bool) {
	c, ok := kindClasses[k]
	return c, ok
}
