// Package session holds the per-connection identity established by the server.
package session

import (
	"context"
	"sync"

	"github.com/cory-johannsen/roomlink/protocol"
)

// Session is an immutable snapshot. Empty strings mean not yet established.
type Session struct {
	Credential   string
	RoomID       string
	RoomName     string
	UserID       string
	OwnerID      string
	ConnectionID string
	SDKVersion   string
}

// Ready reports whether the server has confirmed the session.
func (s Session) Ready() bool {
	return s.UserID != ""
}

// Store publishes Session values. Values are replaced, never mutated.
type Store struct {
	mu      sync.RWMutex
	current Session
	ready   chan struct{}
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{ready: make(chan struct{})}
}

// Reset starts a new session for credential and roomID, discarding server data.
func (s *Store) Reset(credential, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Session{Credential: credential, RoomID: roomID}
	s.rearm()
}

// Establish records the server's session metadata.
//
// Postcondition: Current().Ready() is true and Wait callers are released.
func (s *Store) Establish(r protocol.Ready) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	next.UserID = r.UserID
	next.OwnerID = r.OwnerID
	next.RoomName = r.RoomName
	next.ConnectionID = r.ConnectionID
	next.SDKVersion = r.SDKVersion
	s.current = next
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

// Clear forgets everything, including the credential.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Session{}
	s.rearm()
}

// rearm replaces a released ready channel. Caller holds mu.
func (s *Store) rearm() {
	select {
	case <-s.ready:
		s.ready = make(chan struct{})
	default:
	}
}

// Current returns the latest snapshot.
func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Wait blocks until the session is established or ctx is done.
func (s *Store) Wait(ctx context.Context) (Session, error) {
	s.mu.RLock()
	ch := s.ready
	s.mu.RUnlock()
	select {
	case <-ch:
		return s.Current(), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}
