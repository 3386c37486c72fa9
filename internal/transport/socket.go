package transport

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Socket serializes writes to a Conn and closes it once.
type Socket struct {
	conn   Conn
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewSocket wraps conn.
//
// Precondition: conn and logger must not be nil.
func NewSocket(conn Conn, logger *zap.Logger) *Socket {
	return &Socket{conn: conn, logger: logger}
}

// Write sends one text frame.
//
// Postcondition: Returns ErrNotConnected after Close.
func (s *Socket) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Read blocks for the next frame.
func (s *Socket) Read() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

// Close closes the underlying connection. Later calls only log.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Debug("socket already closed")
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Closed reports whether Close has been called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
