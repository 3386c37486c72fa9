// Package transport dials and wraps the room websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const (
	// DefaultEndpoint is the production bot gateway.
	DefaultEndpoint = "wss://highrise.game/web/botapi"

	credentialLength = 64
	roomIDLength     = 24

	headerRoomID = "room-id"
	headerToken  = "api-token"
	queryEvents  = "events"
)

var (
	// ErrInvalidCredential is returned when the api token is not 64 characters.
	ErrInvalidCredential = errors.New("invalid api token")
	// ErrInvalidRoom is returned when the room id is not 24 characters.
	ErrInvalidRoom = errors.New("invalid room id")
	// ErrNotConnected is returned when writing to a closed socket.
	ErrNotConnected = errors.New("not connected")
)

// ValidateCredential checks the api token shape.
func ValidateCredential(token string) error {
	if n := utf8.RuneCountInString(token); n != credentialLength {
		return fmt.Errorf("%w: want %d characters, got %d", ErrInvalidCredential, credentialLength, n)
	}
	return nil
}

// ValidateRoomID checks the room id shape.
func ValidateRoomID(roomID string) error {
	if n := utf8.RuneCountInString(roomID); n != roomIDLength {
		return fmt.Errorf("%w: want %d characters, got %d", ErrInvalidRoom, roomIDLength, n)
	}
	return nil
}

// Conn is the subset of a websocket connection the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// HandshakeError is a refused websocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake refused with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
}

// Dial opens a websocket to endpoint.
//
// Postcondition: Returns an open Conn, or an error that is a *HandshakeError
// when the server answered the upgrade with a status.
func (d WSDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return conn, nil
}

// IsRateLimited reports whether err reflects a 429 from the server.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var he *HandshakeError
	if errors.As(err, &he) && he.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

// BuildURL appends the event mask to endpoint.
func BuildURL(endpoint, mask string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set(queryEvents, mask)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Header builds the handshake headers.
func Header(token, roomID string) http.Header {
	h := http.Header{}
	h.Set(headerRoomID, roomID)
	h.Set(headerToken, token)
	return h
}
