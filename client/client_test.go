package client_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/roomlink/client"
	"github.com/cory-johannsen/roomlink/internal/testutil"
	"github.com/cory-johannsen/roomlink/protocol"
)

var (
	token  = strings.Repeat("k", 64)
	roomID = strings.Repeat("r", 24)
)

const sessionFrame = `{"_type":"SessionMetadata","user_id":"bot","connection_id":"c1",
	"room_info":{"owner_id":"owner","room_name":"Lobby"},"rate_limits":{},"sdk_version":"1.0"}`

type harness struct {
	c      *client.Client
	dialer *testutil.FakeDialer
	mock   *clock.Mock
	conn   *testutil.FakeConn
}

func newClient(t *testing.T, opts client.Options) *harness {
	t.Helper()
	h := &harness{dialer: testutil.NewFakeDialer(), mock: clock.NewMock()}
	c, err := client.New(opts, zaptest.NewLogger(t), client.WithClock(h.mock), client.WithDialer(h.dialer))
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() { _ = c.Close() })
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Connect(context.Background(), token, roomID))
	h.conn = h.dialer.NextConn(t, 2*time.Second)
	require.Eventually(t, func() bool { return h.c.State() == client.StateOpen }, 2*time.Second, time.Millisecond)
}

func (h *harness) ready(t *testing.T) client.Session {
	t.Helper()
	h.conn.Push(sessionFrame)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := h.c.WaitReady(ctx)
	require.NoError(t, err)
	return sess
}

func chatOnly() client.Options {
	return client.Options{Events: []protocol.EventClass{protocol.ClassChat}}
}

func TestNew_RequiresEvents(t *testing.T) {
	_, err := client.New(client.Options{}, zap.NewNop())
	assert.ErrorIs(t, err, client.ErrMissingEvents)

	_, err = client.New(client.Options{Events: []protocol.EventClass{"gossip"}}, zap.NewNop())
	assert.ErrorIs(t, err, client.ErrInvalidEventClass)
}

func TestConnect_ValidationMakesNoDial(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dialer := testutil.NewFakeDialer()
		c, err := client.New(chatOnly(), zap.NewNop(), client.WithClock(clock.NewMock()), client.WithDialer(dialer))
		require.NoError(rt, err)
		defer c.Close()

		tok := strings.Repeat("k", rapid.IntRange(0, 80).Draw(rt, "token_len"))
		room := strings.Repeat("r", rapid.IntRange(0, 30).Draw(rt, "room_len"))
		if len(tok) == 64 && len(room) == 24 {
			return
		}
		err = c.Connect(context.Background(), tok, room)
		if len(tok) != 64 {
			assert.ErrorIs(rt, err, client.ErrInvalidCredential)
		} else {
			assert.ErrorIs(rt, err, client.ErrInvalidRoom)
		}
		assert.Equal(rt, 0, dialer.DialCount())
		assert.Equal(rt, client.StateIdle, c.State())
	})
}

func TestClient_ChatScenario(t *testing.T) {
	h := newClient(t, chatOnly())
	got := make(chan protocol.Event, 1)
	h.c.On(protocol.KindChat, func(ev protocol.Event) { got <- ev })

	h.connect(t)
	assert.Equal(t, client.DefaultEndpoint+"?events=chat", h.dialer.Dials()[0].Endpoint)
	sess := h.ready(t)
	assert.Equal(t, "bot", sess.UserID)
	assert.Equal(t, "Lobby", sess.RoomName)
	assert.Equal(t, token, sess.Credential)

	h.conn.Push(`{"_type":"ChatEvent","user":{"id":"u7","username":"amy"},"message":"  hello world  ","whisper":false}`)
	select {
	case ev := <-got:
		chat := ev.(protocol.Chat)
		assert.Equal(t, "u7", chat.User.ID)
		assert.Equal(t, "hello world", chat.Text)
		assert.False(t, chat.Whisper)
	case <-time.After(2 * time.Second):
		t.Fatal("no chat event")
	}
}

func TestClient_InventoryRequestResolvesByRID(t *testing.T) {
	h := newClient(t, chatOnly())
	h.connect(t)
	h.ready(t)

	type result struct {
		inv protocol.InventoryResponse
		err error
	}
	done := make(chan result, 1)
	go func() {
		var inv protocol.InventoryResponse
		err := h.c.RequestWithID(context.Background(), "X1", protocol.GetInventoryRequest{}, 0, &inv)
		done <- result{inv, err}
	}()

	raw := h.conn.WaitWrite(t, "GetInventoryRequest", 2*time.Second)
	assert.Equal(t, "X1", gjson.GetBytes(raw, "rid").String())
	h.mock.Add(time.Second)
	h.conn.Push(`{"_type":"GetInventoryResponse","rid":"X1","items":[{"type":"clothing","amount":1,"id":"hat-1"}]}`)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Len(t, r.inv.Items, 1)
		assert.Equal(t, "hat-1", r.inv.Items[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
	}
}

func TestClient_RequestTimesOut(t *testing.T) {
	h := newClient(t, client.Options{Events: []protocol.EventClass{protocol.ClassChat}, RequestTimeout: 2 * time.Second})
	h.connect(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.c.Wallet(context.Background())
		done <- err
	}()
	h.conn.WaitWrite(t, "GetWalletRequest", 2*time.Second)
	h.mock.Add(2 * time.Second)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, client.ErrRequestTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
}

func TestClient_ConnectionLostRejectsPending(t *testing.T) {
	h := newClient(t, chatOnly())
	h.connect(t)
	h.ready(t)

	transportErrs := make(chan protocol.Event, 1)
	h.c.On(protocol.KindTransportError, func(ev protocol.Event) { transportErrs <- ev })

	done := make(chan error, 1)
	go func() {
		_, err := h.c.Inventory(context.Background())
		done <- err
	}()
	h.conn.WaitWrite(t, "GetInventoryRequest", 2*time.Second)
	h.conn.Fail(errors.New("connection reset by peer"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, client.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected")
	}
	select {
	case ev := <-transportErrs:
		assert.Contains(t, ev.(protocol.TransportError).Err.Error(), "reset")
	case <-time.After(2 * time.Second):
		t.Fatal("no transport error event")
	}
	assert.Equal(t, client.StateReconnecting, h.c.State())
	sess := h.c.Session()
	assert.Empty(t, sess.UserID)
	assert.Empty(t, sess.ConnectionID)
	assert.Equal(t, roomID, sess.RoomID)

	h.mock.Add(5 * time.Second)
	h.conn = h.dialer.NextConn(t, 2*time.Second)
	require.Eventually(t, func() bool { return h.c.State() == client.StateOpen }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "bot", h.ready(t).UserID)
}

func TestClient_AwaitEventsNotEnabled(t *testing.T) {
	h := newClient(t, chatOnly())
	_, err := h.c.AwaitEvents(context.Background(), protocol.ClassReaction, nil, 1, time.Second)
	assert.ErrorIs(t, err, client.ErrEventNotEnabled)
}

func TestClient_AwaitReactionsIdleWindow(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	c, err := client.New(client.Options{Events: []protocol.EventClass{protocol.ClassReaction}}, zaptest.NewLogger(t), client.WithDialer(dialer))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background(), token, roomID))
	conn := dialer.NextConn(t, 2*time.Second)
	require.Eventually(t, func() bool { return c.State() == client.StateOpen }, 2*time.Second, time.Millisecond)

	type result struct {
		items   []protocol.Event
		err     error
		elapsed time.Duration
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		items, err := c.AwaitEvents(context.Background(), protocol.ClassReaction,
			func(protocol.Event) bool { return true }, 2, time.Second)
		done <- result{items, err, time.Since(start)}
	}()

	time.Sleep(100 * time.Millisecond)
	conn.Push(`{"_type":"ReactionEvent","user":{"id":"u1","username":"a"},"receiver":{"id":"bot","username":"b"},"reaction":"heart"}`)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Len(t, r.items, 1)
		assert.GreaterOrEqual(t, r.elapsed, 1050*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("await did not resolve")
	}
}

func TestClient_RosterCache(t *testing.T) {
	h := newClient(t, client.Options{
		Events: []protocol.EventClass{protocol.ClassUserJoined, protocol.ClassUserLeft, protocol.ClassUserMoved},
		Cache:  true,
	})
	h.connect(t)
	h.ready(t)

	raw := h.conn.WaitWrite(t, "GetRoomUsersRequest", 2*time.Second)
	rid := gjson.GetBytes(raw, "rid").String()
	h.conn.Push(`{"_type":"GetRoomUsersResponse","rid":"` + rid + `","content":[[{"id":"u1","username":"Amy"},{"x":1,"y":0,"z":1,"facing":"FrontLeft"}]]}`)
	require.Eventually(t, func() bool {
		entries, _ := h.c.Roster()
		return len(entries) == 1
	}, 2*time.Second, time.Millisecond)

	joined := `{"_type":"UserJoinedEvent","user":{"id":"u2","username":"Bo"},"position":{"x":2,"y":0,"z":2,"facing":"BackLeft"}}`
	h.conn.Push(joined)
	h.conn.Push(joined)
	h.conn.Push(`{"_type":"UserLeftEvent","user":{"id":"ghost","username":"g"}}`)
	h.conn.Push(`{"_type":"UserMovedEvent","user":{"id":"u1","username":"Amy"},"position":{"x":5,"y":0,"z":5,"facing":"BackRight"}}`)

	require.Eventually(t, func() bool {
		entries, _ := h.c.Roster()
		return len(entries) == 2 && entries[0].Position.X == 5
	}, 2*time.Second, time.Millisecond)
	id, ok := h.c.UserIDByName("bo")
	require.True(t, ok)
	assert.Equal(t, "u2", id)

	h.conn.Push(`{"_type":"UserLeftEvent","user":{"id":"u2","username":"Bo"}}`)
	require.Eventually(t, func() bool {
		entries, _ := h.c.Roster()
		return len(entries) == 1
	}, 2*time.Second, time.Millisecond)
}

func TestClient_RosterKeepsChangesDuringListing(t *testing.T) {
	h := newClient(t, client.Options{
		Events: []protocol.EventClass{protocol.ClassUserJoined, protocol.ClassUserLeft},
		Cache:  true,
	})
	h.connect(t)
	h.ready(t)

	raw := h.conn.WaitWrite(t, "GetRoomUsersRequest", 2*time.Second)
	h.conn.Push(`{"_type":"UserLeftEvent","user":{"id":"u1","username":"Amy"}}`)
	h.conn.Push(`{"_type":"UserJoinedEvent","user":{"id":"u3","username":"Cy"},"position":{"x":1,"y":0,"z":1,"facing":"FrontLeft"}}`)
	h.conn.Push(`{"_type":"GetRoomUsersResponse","rid":"` + gjson.GetBytes(raw, "rid").String() + `","content":[
		[{"id":"u1","username":"Amy"},{"x":1,"y":0,"z":1,"facing":"FrontLeft"}],
		[{"id":"u2","username":"Bo"},{"x":2,"y":0,"z":2,"facing":"BackLeft"}]]}`)

	require.Eventually(t, func() bool {
		entries, _ := h.c.Roster()
		if len(entries) != 2 {
			return false
		}
		return entries[0].UserID == "u2" && entries[1].UserID == "u3"
	}, 2*time.Second, time.Millisecond)
	_, ok := h.c.UserIDByName("amy")
	assert.False(t, ok)
}

func TestClient_RosterDisabled(t *testing.T) {
	h := newClient(t, chatOnly())
	_, err := h.c.Roster()
	assert.ErrorIs(t, err, client.ErrCacheDisabled)
}

func TestClient_SendNotConnected(t *testing.T) {
	h := newClient(t, chatOnly())
	assert.ErrorIs(t, h.c.Say("hello"), client.ErrNotConnected)
}

func TestClient_SelfTargetedActionsDenied(t *testing.T) {
	h := newClient(t, chatOnly())
	h.connect(t)
	h.ready(t)

	assert.ErrorIs(t, h.c.Whisper("bot", "hi"), client.ErrAccessDenied)
	assert.ErrorIs(t, h.c.React("bot", "heart"), client.ErrAccessDenied)
	_, err := h.c.Tip(context.Background(), "bot", 10)
	assert.ErrorIs(t, err, client.ErrAccessDenied)
}

func TestClient_ArgumentValidation(t *testing.T) {
	h := newClient(t, chatOnly())
	h.connect(t)

	assert.ErrorIs(t, h.c.React("u2", "boo"), client.ErrInvalidArgument)
	_, err := h.c.Tip(context.Background(), "u2", 7)
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
	assert.ErrorIs(t, h.c.Walk(1, 0, 1, "Sideways"), client.ErrInvalidArgument)
	assert.ErrorIs(t, h.c.Ban("u2", 0), client.ErrInvalidArgument)
	assert.ErrorIs(t, h.c.Say("  "), client.ErrInvalidArgument)
	assert.ErrorIs(t, h.c.Invite("conv", "short"), client.ErrInvalidRoom)
	assert.ErrorIs(t, h.c.Sit("chair", -1), client.ErrInvalidArgument)
}

func TestClient_HelpersWriteFrames(t *testing.T) {
	h := newClient(t, chatOnly())
	h.connect(t)
	h.ready(t)

	require.NoError(t, h.c.Whisper("u2", "psst"))
	raw := h.conn.WaitWrite(t, "ChatRequest", 2*time.Second)
	assert.Equal(t, "u2", gjson.GetBytes(raw, "whisper_target_id").String())

	require.NoError(t, h.c.React("u2", "wave"))
	raw = h.conn.WaitWrite(t, "ReactionRequest", 2*time.Second)
	assert.Equal(t, "wave", gjson.GetBytes(raw, "reaction").String())

	require.NoError(t, h.c.Mute("u2", 60))
	raw = h.conn.WaitWrite(t, "ModerateRoomRequest", 2*time.Second)
	assert.Equal(t, "mute", gjson.GetBytes(raw, "moderation_action").String())
	assert.Equal(t, int64(60), gjson.GetBytes(raw, "action_length").Int())

	require.NoError(t, h.c.Walk(1, 0, 2, protocol.FacingFrontRight))
	raw = h.conn.WaitWrite(t, "FloorHitRequest", 2*time.Second)
	assert.Equal(t, "FrontRight", gjson.GetBytes(raw, "destination.facing").String())

	done := make(chan string, 1)
	go func() {
		res, err := h.c.Tip(context.Background(), "u2", 1000)
		if err == nil {
			done <- res
		}
	}()
	raw = h.conn.WaitWrite(t, "TipUserRequest", 2*time.Second)
	assert.Equal(t, "gold_bar_1k", gjson.GetBytes(raw, "gold_bar").String())
	h.conn.Push(`{"_type":"TipUserResponse","rid":"` + gjson.GetBytes(raw, "rid").String() + `","result":"success"}`)
	select {
	case res := <-done:
		assert.Equal(t, "success", res)
	case <-time.After(2 * time.Second):
		t.Fatal("tip did not resolve")
	}
}

func TestClient_CloseIsTerminal(t *testing.T) {
	h := newClient(t, chatOnly())
	h.connect(t)
	h.ready(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.c.Wallet(context.Background())
		done <- err
	}()
	h.conn.WaitWrite(t, "GetWalletRequest", 2*time.Second)

	require.NoError(t, h.c.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, client.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on close")
	}
	assert.Equal(t, client.StateClosing, h.c.State())
	assert.Equal(t, client.Session{}, h.c.Session())
	assert.ErrorIs(t, h.c.Connect(context.Background(), token, roomID), client.ErrClosed)
	require.NoError(t, h.c.Close())
}

func TestClient_SecondConnectKeepsLiveSession(t *testing.T) {
	h := newClient(t, chatOnly())
	h.connect(t)
	before := h.ready(t)

	err := h.c.Connect(context.Background(), token, roomID)
	assert.ErrorIs(t, err, client.ErrAlreadyStarted)
	assert.Equal(t, client.StateOpen, h.c.State())
	assert.Equal(t, before, h.c.Session())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sess, err := h.c.WaitReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bot", sess.UserID)
	assert.ErrorIs(t, h.c.React("bot", "heart"), client.ErrAccessDenied)
}

func TestClient_ConnectAfterCloseLeavesSessionCleared(t *testing.T) {
	h := newClient(t, chatOnly())
	h.connect(t)
	h.ready(t)
	require.NoError(t, h.c.Close())

	assert.ErrorIs(t, h.c.Connect(context.Background(), token, roomID), client.ErrClosed)
	assert.Equal(t, client.Session{}, h.c.Session())
	assert.Equal(t, 1, h.dialer.DialCount())
}

func TestClient_OverWebsocket(t *testing.T) {
	rs := testutil.NewRoomServer(t)
	c, err := client.New(client.Options{
		Events:   []protocol.EventClass{protocol.ClassChat, protocol.ClassUserJoined},
		Endpoint: rs.URL(),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), token, roomID))
	sc := rs.Accept(5 * time.Second)
	assert.Equal(t, token, sc.Header.Get("api-token"))
	assert.Equal(t, roomID, sc.Header.Get("room-id"))
	assert.Equal(t, "events=chat%2Cuser_joined", sc.Query)

	keepalive := sc.Receive(t, 5*time.Second)
	assert.Equal(t, "KeepaliveRequest", gjson.GetBytes(keepalive, "_type").String())

	sc.Send(t, sessionFrame)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := c.WaitReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, "owner", sess.OwnerID)

	require.NoError(t, c.Say("hi"))
	raw := sc.Receive(t, 5*time.Second)
	assert.Equal(t, "ChatRequest", gjson.GetBytes(raw, "_type").String())
	assert.Equal(t, "hi", gjson.GetBytes(raw, "message").String())
}
