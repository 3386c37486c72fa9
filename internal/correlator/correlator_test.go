package correlator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/roomlink/internal/correlator"
	"github.com/cory-johannsen/roomlink/protocol"
)

type recordingSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *recordingSender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func frame(t require.TestingT, raw string) protocol.Frame {
	f, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)
	return f
}

func newCorrelator() (*correlator.Correlator, *recordingSender, *clock.Mock) {
	s := &recordingSender{}
	mock := clock.NewMock()
	return correlator.New(s, mock, 10*time.Second, zap.NewNop()), s, mock
}

func TestCorrelator_InventoryResolvesWithItems(t *testing.T) {
	c, s, mock := newCorrelator()
	p, err := c.BeginWithID(protocol.GetInventoryRequest{}, "X1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, s.count())
	assert.Equal(t, "X1", gjson.GetBytes(s.frames[0], "rid").String())

	mock.Add(1500 * time.Millisecond)
	assert.True(t, c.Resolve(frame(t, `{"_type":"GetInventoryResponse","rid":"X1","items":[{"type":"shirt","amount":1,"id":"s1"}]}`)))

	f, err := p.Wait(context.Background())
	require.NoError(t, err)
	var inv protocol.InventoryResponse
	require.NoError(t, f.Unmarshal(&inv))
	require.Len(t, inv.Items, 1)
	assert.Equal(t, "s1", inv.Items[0].ID)
	assert.Equal(t, 0, c.Len())
}

func TestCorrelator_TimesOut(t *testing.T) {
	c, _, mock := newCorrelator()
	p, err := c.Begin(protocol.GetWalletRequest{}, 2*time.Second)
	require.NoError(t, err)

	mock.Add(2 * time.Second)
	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, correlator.ErrRequestTimedOut)
	assert.Equal(t, 0, c.Len())

	assert.False(t, c.Resolve(frame(t, `{"_type":"GetWalletResponse","rid":"`+p.RID+`","content":[]}`)))
}

func TestCorrelator_LateTimeoutIsNoop(t *testing.T) {
	c, _, mock := newCorrelator()
	p, err := c.Begin(protocol.GetWalletRequest{}, time.Second)
	require.NoError(t, err)
	require.True(t, c.Resolve(frame(t, `{"_type":"GetWalletResponse","rid":"`+p.RID+`","content":[]}`)))
	mock.Add(5 * time.Second)
	_, err = p.Wait(context.Background())
	assert.NoError(t, err)
}

func TestCorrelator_DuplicateID(t *testing.T) {
	c, _, _ := newCorrelator()
	_, err := c.BeginWithID(protocol.GetWalletRequest{}, "dup", 0)
	require.NoError(t, err)
	_, err = c.BeginWithID(protocol.GetWalletRequest{}, "dup", 0)
	assert.ErrorIs(t, err, correlator.ErrDuplicateID)
	assert.Equal(t, 1, c.Len())
}

func TestCorrelator_SendFailureLeavesNoEntry(t *testing.T) {
	c, s, _ := newCorrelator()
	s.err = errors.New("not connected")
	_, err := c.Begin(protocol.GetWalletRequest{}, 0)
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCorrelator_ErrorFrameRejects(t *testing.T) {
	c, _, _ := newCorrelator()
	p, err := c.BeginWithID(protocol.TipUserRequest{UserID: "u", GoldBar: "gold_bar_1"}, "r1", 0)
	require.NoError(t, err)
	require.True(t, c.Resolve(frame(t, `{"_type":"Error","rid":"r1","message":"not allowed"}`)))
	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, protocol.ErrServer)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestCorrelator_TypeMismatchStaysPending(t *testing.T) {
	c, _, _ := newCorrelator()
	_, err := c.BeginWithID(protocol.GetWalletRequest{}, "r1", 0)
	require.NoError(t, err)
	assert.False(t, c.Resolve(frame(t, `{"_type":"GetInventoryResponse","rid":"r1","items":[]}`)))
	assert.Equal(t, 1, c.Len())
}

func TestCorrelator_RejectAll(t *testing.T) {
	c, _, _ := newCorrelator()
	p1, _ := c.Begin(protocol.GetWalletRequest{}, 0)
	p2, _ := c.Begin(protocol.GetInventoryRequest{}, 0)
	assert.Equal(t, 2, c.RejectAll(correlator.ErrConnectionLost))
	_, err := p1.Wait(context.Background())
	assert.ErrorIs(t, err, correlator.ErrConnectionLost)
	_, err = p2.Wait(context.Background())
	assert.ErrorIs(t, err, correlator.ErrConnectionLost)
	assert.Equal(t, 0, c.RejectAll(correlator.ErrConnectionLost))
}

func TestCorrelator_ContextCancelRemovesEntry(t *testing.T) {
	c, _, _ := newCorrelator()
	p, err := c.Begin(protocol.GetWalletRequest{}, 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Len())
}

func TestCorrelator_SendWithoutResponse(t *testing.T) {
	c, s, _ := newCorrelator()
	require.NoError(t, c.SendWithoutResponse(protocol.ChatRequest{Message: "hi"}))
	require.Equal(t, 1, s.count())
	assert.NotEmpty(t, gjson.GetBytes(s.frames[0], "rid").String())
	assert.Equal(t, 0, c.Len())
}

func TestProperty_SettlesExactlyOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c, _, mock := newCorrelator()
		timeout := time.Duration(rapid.IntRange(1, 5000).Draw(rt, "timeout_ms")) * time.Millisecond
		replyAt := time.Duration(rapid.IntRange(0, 6000).Draw(rt, "reply_ms")) * time.Millisecond
		replies := rapid.IntRange(0, 3).Draw(rt, "replies")

		p, err := c.BeginWithID(protocol.GetWalletRequest{}, "rid", timeout)
		require.NoError(rt, err)

		mock.Add(replyAt)
		// AfterFunc callbacks run on their own goroutine; let a due timeout land.
		if replyAt >= timeout {
			select {
			case <-p.Done():
			case <-time.After(time.Second):
				rt.Fatalf("timeout did not fire")
			}
		}
		resolved := 0
		for i := 0; i < replies; i++ {
			if c.Resolve(frame(rt, `{"_type":"GetWalletResponse","rid":"rid","content":[]}`)) {
				resolved++
			}
		}
		mock.Add(10 * time.Second)
		_, err = p.Wait(context.Background())

		if replyAt < timeout && replies > 0 {
			assert.Equal(rt, 1, resolved)
			assert.NoError(rt, err)
		} else {
			assert.Equal(rt, 0, resolved)
			assert.ErrorIs(rt, err, correlator.ErrRequestTimedOut)
		}
		assert.Equal(rt, 0, c.Len())
	})
}
