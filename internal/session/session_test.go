package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/roomlink/internal/session"
	"github.com/cory-johannsen/roomlink/protocol"
)

func TestStore_ResetKeepsCredential(t *testing.T) {
	s := session.NewStore()
	s.Reset("tok", "room")
	cur := s.Current()
	assert.Equal(t, "tok", cur.Credential)
	assert.Equal(t, "room", cur.RoomID)
	assert.False(t, cur.Ready())
}

func TestStore_EstablishReleasesWaiters(t *testing.T) {
	s := session.NewStore()
	s.Reset("tok", "room")

	got := make(chan session.Session, 1)
	go func() {
		sess, err := s.Wait(context.Background())
		if err == nil {
			got <- sess
		}
	}()

	s.Establish(protocol.Ready{UserID: "bot", RoomName: "Lobby", OwnerID: "own", ConnectionID: "c1"})
	select {
	case sess := <-got:
		assert.Equal(t, "bot", sess.UserID)
		assert.Equal(t, "tok", sess.Credential)
		assert.Equal(t, "Lobby", sess.RoomName)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

func TestStore_ResetRearmsWait(t *testing.T) {
	s := session.NewStore()
	s.Reset("tok", "room")
	s.Establish(protocol.Ready{UserID: "bot"})
	s.Reset("tok", "room")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.Current().UserID)
}

func TestStore_SnapshotsAreIndependent(t *testing.T) {
	s := session.NewStore()
	s.Reset("tok", "room")
	s.Establish(protocol.Ready{UserID: "bot"})
	before := s.Current()
	s.Clear()
	require.Equal(t, "bot", before.UserID)
	assert.Equal(t, session.Session{}, s.Current())
}
