// Package correlator matches outbound requests to their replies by correlation id.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomlink/protocol"
)

var (
	// ErrRequestTimedOut is returned when no reply arrives before the deadline.
	ErrRequestTimedOut = errors.New("request timed out")
	// ErrConnectionLost is returned for requests outstanding when the connection drops.
	ErrConnectionLost = errors.New("connection lost")
	// ErrDuplicateID is returned when a correlation id is already pending.
	ErrDuplicateID = errors.New("duplicate correlation id")
)

// Sender writes an encoded frame to the transport.
type Sender interface {
	Send(frame []byte) error
}

// Pending is one in-flight correlated request.
type Pending struct {
	RID          string
	ResponseType string
	CreatedAt    time.Time

	c     *Correlator
	seq   uint64
	timer *clock.Timer
	done  chan struct{}
	frame protocol.Frame
	err   error
}

// Correlator owns the pending request table.
// All methods are safe for concurrent use.
type Correlator struct {
	sender  Sender
	clk     clock.Clock
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*Pending
	seq     uint64
}

// New creates a Correlator.
//
// Precondition: sender, clk and logger must not be nil; timeout > 0.
// Postcondition: Returns a Correlator with an empty pending table.
func New(sender Sender, clk clock.Clock, timeout time.Duration, logger *zap.Logger) *Correlator {
	return &Correlator{
		sender:  sender,
		clk:     clk,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*Pending),
	}
}

// Begin registers req under a fresh correlation id and sends it.
// A timeout of zero uses the default.
func (c *Correlator) Begin(req protocol.Correlated, timeout time.Duration) (*Pending, error) {
	return c.BeginWithID(req, protocol.NewRID(), timeout)
}

// BeginWithID registers req under rid and sends it.
//
// Precondition: rid must be non-empty.
// Postcondition: Returns a Pending that settles exactly once, or an error if
// rid is already pending or the send failed. A failed send leaves no entry.
func (c *Correlator) BeginWithID(req protocol.Correlated, rid string, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	frame, err := protocol.Encode(req, rid)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, exists := c.pending[rid]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, rid)
	}
	c.seq++
	p := &Pending{
		RID:          rid,
		ResponseType: req.ResponseType(),
		CreatedAt:    c.clk.Now(),
		c:            c,
		seq:          c.seq,
		done:         make(chan struct{}),
	}
	c.pending[rid] = p
	p.timer = c.clk.AfterFunc(timeout, func() {
		if c.settle(rid, protocol.Frame{}, ErrRequestTimedOut) {
			c.logger.Debug("request timed out",
				zap.String("rid", rid),
				zap.String("type", req.RequestType()),
				zap.Duration("timeout", timeout),
			)
		}
	})
	c.mu.Unlock()

	if err := c.sender.Send(frame); err != nil {
		c.settle(rid, protocol.Frame{}, err)
		return nil, fmt.Errorf("sending %s: %w", req.RequestType(), err)
	}
	return p, nil
}

// settle removes rid and completes its Pending. Only the caller that removes
// the entry completes it, so reply, timeout and rejection are mutually exclusive.
func (c *Correlator) settle(rid string, f protocol.Frame, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[rid]
	if ok {
		delete(c.pending, rid)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.frame, p.err = f, err
	close(p.done)
	return true
}

// Resolve completes the request whose rid matches f.
// An Error frame rejects the request with a protocol.ServerError.
//
// Postcondition: Returns true if f settled a pending request.
func (c *Correlator) Resolve(f protocol.Frame) bool {
	if f.RID == "" {
		return false
	}
	c.mu.Lock()
	p, ok := c.pending[f.RID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if f.Type == protocol.TypeError {
		ev, err := protocol.Normalize(f)
		if err != nil {
			return c.settle(f.RID, f, err)
		}
		return c.settle(f.RID, f, ev.(protocol.ServerError))
	}
	if f.Type != p.ResponseType {
		c.logger.Warn("reply type mismatch",
			zap.String("rid", f.RID),
			zap.String("want", p.ResponseType),
			zap.String("got", f.Type),
		)
		return false
	}
	return c.settle(f.RID, f, nil)
}

// RejectAll settles every pending request with err, oldest first.
//
// Postcondition: Returns the number of requests rejected; the table is empty.
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	all := make([]*Pending, 0, len(c.pending))
	for _, p := range c.pending {
		all = append(all, p)
	}
	c.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	n := 0
	for _, p := range all {
		if c.settle(p.RID, protocol.Frame{}, err) {
			n++
		}
	}
	return n
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait blocks until the request settles or ctx is done. Cancelling ctx
// removes the entry, so a later reply is ignored.
func (p *Pending) Wait(ctx context.Context) (protocol.Frame, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.c.settle(p.RID, protocol.Frame{}, ctx.Err())
		<-p.done
	}
	return p.frame, p.err
}

// Done is closed once the request settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// SendAndAwait sends req and decodes the reply into out, which may be nil.
func (c *Correlator) SendAndAwait(ctx context.Context, req protocol.Correlated, timeout time.Duration, out any) error {
	p, err := c.Begin(req, timeout)
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

// SendWithoutResponse hands req to the transport under a fresh correlation id.
// It returns once the frame is written; no reply is awaited.
func (c *Correlator) SendWithoutResponse(req protocol.Request) error {
	frame, err := protocol.Encode(req, protocol.NewRID())
	if err != nil {
		return err
	}
	if err := c.sender.Send(frame); err != nil {
		return fmt.Errorf("sending %s: %w", req.RequestType(), err)
	}
	return nil
}
