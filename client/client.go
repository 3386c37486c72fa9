// Package client is a bot client for a live virtual-world room. It keeps one
// websocket open to the room, reconnecting with backoff, and exposes typed
// events, correlated requests and time-boxed event collection.
package client

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cory-johannsen/roomlink/internal/aggregate"
	"github.com/cory-johannsen/roomlink/internal/connection"
	"github.com/cory-johannsen/roomlink/internal/correlator"
	"github.com/cory-johannsen/roomlink/internal/dispatch"
	"github.com/cory-johannsen/roomlink/internal/roster"
	"github.com/cory-johannsen/roomlink/internal/session"
	"github.com/cory-johannsen/roomlink/internal/transport"
	"github.com/cory-johannsen/roomlink/protocol"
)

type (
	// State is the connection lifecycle position.
	State = connection.State
	// Session is an immutable snapshot of the room identity.
	Session = session.Session
	// Handle identifies an event subscription.
	Handle = dispatch.Handle
	// Filter selects events for AwaitEvents.
	Filter = aggregate.Filter
	// RosterEntry is one cached room occupant.
	RosterEntry = roster.Record
)

const (
	StateIdle         = connection.Idle
	StateConnecting   = connection.Connecting
	StateOpen         = connection.Open
	StateClosing      = connection.Closing
	StateReconnecting = connection.Reconnecting
)

// Client is safe for concurrent use.
type Client struct {
	opts   Options
	logger *zap.Logger
	clk    clock.Clock
	dialer transport.Dialer

	sessions *session.Store
	roster   *roster.Roster
	corr     *correlator.Correlator
	agg      *aggregate.Aggregator
	disp     *dispatch.Dispatcher
	conn     *connection.Manager
	fetch    singleflight.Group
}

type senderFunc func([]byte) error

func (f senderFunc) Send(frame []byte) error { return f(frame) }

// New creates an unconnected Client.
//
// Precondition: logger must not be nil.
// Postcondition: Returns a Client in StateIdle, or an error wrapping
// ErrMissingEvents or ErrInvalidEventClass.
func New(opts Options, logger *zap.Logger, options ...Option) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	c := &Client{
		opts:     opts,
		logger:   logger,
		clk:      clock.New(),
		dialer:   transport.WSDialer{},
		sessions: session.NewStore(),
		roster:   roster.New(),
	}
	for _, o := range options {
		o(c)
	}

	c.corr = correlator.New(senderFunc(c.send), c.clk, opts.RequestTimeout, logger.Named("correlator"))
	c.agg = aggregate.New(opts.Events, c.clk, logger.Named("aggregate"))
	c.disp = dispatch.New(c.corr, c.agg, dispatch.Hooks{
		OnReady: c.onReady,
		OnEvent: c.onEvent,
	}, logger.Named("dispatch"))
	c.conn = connection.NewManager(connection.Options{
		Endpoint:          opts.Endpoint,
		Events:            opts.Events,
		ReconnectDelay:    opts.ReconnectDelay,
		ReconnectStep:     opts.ReconnectStep,
		KeepaliveInterval: opts.KeepaliveInterval,
		DialTimeout:       opts.DialTimeout,
	}, c.dialer, c.clk, connection.Hooks{
		OnFrame:  c.disp.Dispatch,
		OnOpen:   c.onOpen,
		OnLost:   c.onLost,
		OnClosed: c.onClosed,
	}, logger.Named("connection"))
	return c, nil
}

func (c *Client) send(frame []byte) error {
	return c.conn.Send(frame)
}

// Connect validates the credentials and starts connecting in the background.
// Use WaitReady to block until the server confirms the session.
//
// Postcondition: Returns ErrInvalidCredential or ErrInvalidRoom without any
// network action when the inputs have the wrong length. A call rejected with
// ErrAlreadyStarted or ErrClosed leaves the current session untouched.
func (c *Client) Connect(ctx context.Context, token, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := transport.ValidateCredential(token); err != nil {
		return err
	}
	if err := transport.ValidateRoomID(roomID); err != nil {
		return err
	}
	return c.conn.Start(connection.Credentials{Token: token, RoomID: roomID})
}

// Close shuts the client down for good. Pending requests fail with ErrConnectionLost.
func (c *Client) Close() error {
	return c.conn.Close()
}

// State returns the connection state.
func (c *Client) State() State {
	return c.conn.State()
}

// Session returns the current session snapshot.
func (c *Client) Session() Session {
	return c.sessions.Current()
}

// WaitReady blocks until the server confirms the session.
func (c *Client) WaitReady(ctx context.Context) (Session, error) {
	return c.sessions.Wait(ctx)
}

// On registers fn for events of kind. fn runs on the read goroutine and must not block.
func (c *Client) On(kind protocol.EventKind, fn func(protocol.Event)) Handle {
	return c.disp.Subscribe(kind, fn)
}

// Off removes a subscription.
func (c *Client) Off(h Handle) bool {
	return c.disp.Unsubscribe(h)
}

// Events delivers events of kind on a buffered channel. Events that do not
// fit are dropped. Off closes the channel.
func (c *Client) Events(kind protocol.EventKind, buf int) (Handle, <-chan protocol.Event) {
	return c.disp.SubscribeChan(kind, buf)
}

// AwaitEvents collects up to max events of class that pass filter. It
// returns when max is reached or idle passes without a new match.
func (c *Client) AwaitEvents(ctx context.Context, class protocol.EventClass, filter Filter, max int, idle time.Duration) ([]protocol.Event, error) {
	return c.agg.Await(ctx, class, filter, max, idle)
}

// Request sends req and decodes the reply into out, which may be nil.
// A zero timeout uses Options.RequestTimeout.
func (c *Client) Request(ctx context.Context, req protocol.Correlated, timeout time.Duration, out any) error {
	return c.corr.SendAndAwait(ctx, req, timeout, out)
}

// RequestWithID is Request with a caller-chosen correlation id.
func (c *Client) RequestWithID(ctx context.Context, rid string, req protocol.Correlated, timeout time.Duration, out any) error {
	p, err := c.corr.BeginWithID(req, rid, timeout)
	if err != nil {
		return err
	}
	f, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return f.Unmarshal(out)
}

// Send writes req without waiting for a reply.
func (c *Client) Send(req protocol.Request) error {
	return c.corr.SendWithoutResponse(req)
}

// Roster returns the cached occupants in arrival order.
func (c *Client) Roster() ([]RosterEntry, error) {
	if !c.opts.Cache {
		return nil, ErrCacheDisabled
	}
	return c.roster.List(), nil
}

// UserIDByName resolves a cached occupant's username, ignoring case.
func (c *Client) UserIDByName(username string) (string, bool) {
	if !c.opts.Cache {
		return "", false
	}
	return c.roster.IDByUsername(username)
}

func (c *Client) onReady(r protocol.Ready) {
	c.sessions.Establish(r)
	c.logger.Info("session established",
		zap.String("user_id", r.UserID),
		zap.String("room", r.RoomName),
		zap.String("connection_id", r.ConnectionID),
	)
	if c.opts.Cache {
		// joins and leaves seen before the listing arrives are replayed on top of it
		c.roster.Hold()
		go c.populateRoster()
	}
}

func (c *Client) populateRoster() {
	_, err, shared := c.fetch.Do("roster", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		defer cancel()
		var resp protocol.RoomUsersResponse
		if err := c.Request(ctx, protocol.GetRoomUsersRequest{}, 0, &resp); err != nil {
			c.roster.Release()
			return nil, err
		}
		c.roster.Replace(resp.Content)
		return len(resp.Content), nil
	})
	if err != nil && !shared {
		c.logger.Warn("populating roster", zap.Error(err))
	}
}

func (c *Client) onEvent(ev protocol.Event) {
	if !c.opts.Cache {
		return
	}
	switch e := ev.(type) {
	case protocol.UserJoined:
		c.roster.Add(e.User, e.Position)
	case protocol.UserLeft:
		c.roster.Remove(e.User.ID)
	case protocol.UserMoved:
		c.roster.Move(e)
	}
}

// onOpen starts a fresh session for the new socket. A rejected Connect never
// reaches here, so it cannot disturb the live session.
func (c *Client) onOpen(creds connection.Credentials) {
	c.sessions.Reset(creds.Token, creds.RoomID)
}

func (c *Client) onLost(err error) {
	cur := c.sessions.Current()
	c.sessions.Reset(cur.Credential, cur.RoomID)
	if n := c.corr.RejectAll(ErrConnectionLost); n > 0 {
		c.logger.Info("rejected pending requests", zap.Int("count", n))
	}
	c.disp.Emit(protocol.TransportError{Err: err})
}

func (c *Client) onClosed() {
	c.sessions.Clear()
	c.corr.RejectAll(ErrConnectionLost)
	c.roster.Clear()
}
