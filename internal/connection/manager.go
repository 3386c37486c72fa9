// Package connection drives the room socket through connect, keepalive,
// reconnect with backoff, and teardown.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomlink/internal/keepalive"
	"github.com/cory-johannsen/roomlink/internal/schedule"
	"github.com/cory-johannsen/roomlink/internal/transport"
	"github.com/cory-johannsen/roomlink/protocol"
)

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("connection closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("connection already started")
)

// Options tune the Manager.
type Options struct {
	Endpoint          string
	Events            []protocol.EventClass
	ReconnectDelay    time.Duration
	ReconnectStep     time.Duration
	KeepaliveInterval time.Duration
	DialTimeout       time.Duration
}

// Defaults applied to zero Options fields.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultReconnectStep  = 5 * time.Second
	DefaultDialTimeout    = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = transport.DefaultEndpoint
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectStep < 0 {
		o.ReconnectStep = 0
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = keepalive.DefaultInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	return o
}

// Hooks receive lifecycle notifications. Nil hooks are skipped.
type Hooks struct {
	// OnFrame receives every inbound frame of the current socket, in order.
	OnFrame func(raw []byte)
	// OnOpen runs after the socket opens and before the first frame is read.
	OnOpen func(creds Credentials)
	// OnLost runs after entering Reconnecting.
	OnLost func(err error)
	// OnClosed runs after Close tears everything down.
	OnClosed func()
}

// Credentials authenticate the handshake.
type Credentials struct {
	Token  string
	RoomID string
}

// Manager owns the single socket. Transitions are serialized by mu, and each
// socket carries a generation so a replaced socket can no longer deliver
// frames or failures.
type Manager struct {
	opts   Options
	dialer transport.Dialer
	clk    clock.Clock
	hooks  Hooks
	logger *zap.Logger
	pulse  *keepalive.Pulse

	mu         sync.Mutex
	state      State
	gen        uint64
	creds      Credentials
	socket     *transport.Socket
	policy     *backoff.ConstantBackOff
	retry      *schedule.Task
	cancelDial context.CancelFunc
}

// NewManager creates an idle Manager.
//
// Precondition: dialer, clk and logger must not be nil.
// Postcondition: Returns a Manager in the Idle state.
func NewManager(opts Options, dialer transport.Dialer, clk clock.Clock, hooks Hooks, logger *zap.Logger) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:   opts,
		dialer: dialer,
		clk:    clk,
		hooks:  hooks,
		logger: logger,
		policy: &backoff.ConstantBackOff{Interval: opts.ReconnectDelay},
	}
	m.pulse = keepalive.New(clk, opts.KeepaliveInterval, m.Send, m.isOpen, logger)
	return m
}

// Start validates creds and begins connecting in the background.
//
// Postcondition: Returns a validation error before any network action, or
// ErrClosed / ErrAlreadyStarted; otherwise the Manager is Connecting.
func (m *Manager) Start(creds Credentials) error {
	if err := transport.ValidateCredential(creds.Token); err != nil {
		return err
	}
	if err := transport.ValidateRoomID(creds.RoomID); err != nil {
		return err
	}
	url, err := transport.BuildURL(m.opts.Endpoint, protocol.EventMask(m.opts.Events))
	if err != nil {
		return err
	}

	m.mu.Lock()
	switch m.state {
	case Closing:
		m.mu.Unlock()
		return ErrClosed
	case Idle:
	default:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.creds = creds
	gen, ctx := m.beginDialLocked()
	m.mu.Unlock()

	go m.dial(gen, ctx, url)
	return nil
}

// beginDialLocked enters Connecting under a new generation. Caller holds mu.
func (m *Manager) beginDialLocked() (uint64, context.Context) {
	m.state = Connecting
	m.gen++
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	m.cancelDial = cancel
	return m.gen, ctx
}

func (m *Manager) dial(gen uint64, ctx context.Context, url string) {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	m.logger.Debug("dialing", zap.String("endpoint", m.opts.Endpoint), zap.Uint64("generation", gen))
	conn, err := m.dialer.Dial(ctx, url, transport.Header(creds.Token, creds.RoomID))
	if err != nil {
		m.fail(gen, fmt.Errorf("dialing: %w", err))
		return
	}
	m.opened(gen, conn)
}

func (m *Manager) opened(gen uint64, conn transport.Conn) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		m.logger.Debug("discarding stale connection", zap.Uint64("generation", gen))
		_ = conn.Close()
		return
	}
	socket := transport.NewSocket(conn, m.logger)
	m.socket = socket
	creds := m.creds
	m.state = Open
	m.policy.Interval = m.opts.ReconnectDelay
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.mu.Unlock()

	m.logger.Info("connected", zap.Uint64("generation", gen))
	if m.hooks.OnOpen != nil {
		m.hooks.OnOpen(creds)
	}
	m.pulse.Start()
	go m.readLoop(gen, socket)
}

func (m *Manager) readLoop(gen uint64, socket *transport.Socket) {
	for {
		raw, err := socket.Read()
		if err != nil {
			m.fail(gen, fmt.Errorf("reading: %w", err))
			return
		}
		if !m.current(gen) {
			return
		}
		if m.hooks.OnFrame != nil {
			m.hooks.OnFrame(raw)
		}
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.state == Open
}

// fail moves to Reconnecting and schedules the next attempt. Failures from a
// superseded generation, or while a reconnect is already scheduled, are ignored.
func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.logger.Debug("ignoring stale failure", zap.Uint64("generation", gen), zap.Error(cause))
		return
	}
	switch m.state {
	case Idle, Closing:
		m.mu.Unlock()
		return
	case Reconnecting:
		m.mu.Unlock()
		m.logger.Info("reconnect already scheduled", zap.Error(cause))
		return
	}

	rateLimited := transport.IsRateLimited(cause)
	if rateLimited {
		m.policy.Interval += m.opts.ReconnectStep
	}
	delay := m.policy.NextBackOff()
	socket := m.socket
	m.socket = nil
	m.state = Reconnecting
	m.gen++
	next := m.gen
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.retry = schedule.NewTask(m.clk, delay, func() { m.redial(next) })
	m.mu.Unlock()

	m.pulse.Stop()
	if socket != nil {
		if err := socket.Close(); err != nil {
			m.logger.Debug("closing failed socket", zap.Error(err))
		}
	}
	m.logger.Warn("connection lost, reconnecting",
		zap.Error(cause),
		zap.Bool("rate_limited", rateLimited),
		zap.Duration("delay", delay),
	)
	if m.hooks.OnLost != nil {
		m.hooks.OnLost(cause)
	}
}

func (m *Manager) redial(gen uint64) {
	url, err := transport.BuildURL(m.opts.Endpoint, protocol.EventMask(m.opts.Events))
	if err != nil {
		m.logger.Error("building endpoint", zap.Error(err))
		return
	}
	m.mu.Lock()
	if gen != m.gen || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	next, ctx := m.beginDialLocked()
	m.mu.Unlock()
	m.dial(next, ctx, url)
}

// Reconnect drops the current socket and schedules a reconnect. It is a
// no-op while idle or closed and coalesces with one already scheduled.
func (m *Manager) Reconnect(cause error) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.fail(gen, cause)
}

// Send writes frame to the open socket.
//
// Postcondition: Returns transport.ErrNotConnected unless the state is Open.
func (m *Manager) Send(frame []byte) error {
	m.mu.Lock()
	socket := m.socket
	open := m.state == Open
	m.mu.Unlock()
	if !open || socket == nil {
		return transport.ErrNotConnected
	}
	return socket.Write(frame)
}

// Close tears down the connection for good. Later calls only log.
//
// Postcondition: State is Closing; no reconnect is scheduled; the socket and
// keepalive are released.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == Closing {
		m.mu.Unlock()
		m.logger.Info("connection already closed")
		return nil
	}
	m.state = Closing
	m.gen++
	socket := m.socket
	m.socket = nil
	retry := m.retry
	m.retry = nil
	cancel := m.cancelDial
	m.cancelDial = nil
	m.mu.Unlock()

	if retry != nil {
		retry.Stop()
	}
	if cancel != nil {
		cancel()
	}
	m.pulse.Stop()

	var err error
	if socket != nil {
		err = multierr.Append(err, socket.Close())
	}
	if m.hooks.OnClosed != nil {
		m.hooks.OnClosed()
	}
	m.logger.Info("connection closed")
	return err
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) isOpen() bool {
	return m.State() == Open
}

// ReconnectDelay returns the delay the next reconnect will wait.
func (m *Manager) ReconnectDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.Interval
}
