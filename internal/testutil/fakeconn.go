// Package testutil provides test helpers: an in-memory websocket connection,
// a scripted dialer, and an httptest room server.
package testutil

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/cory-johannsen/roomlink/internal/transport"
)

// TB is the subset of testing.TB the helpers need; *rapid.T satisfies it too.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// FakeConn is an in-memory transport.Conn.
type FakeConn struct {
	inbound chan []byte
	writes  chan []byte
	done    chan struct{}

	mu       sync.Mutex
	written  [][]byte
	failErr  error
	closed   bool
	stopOnce sync.Once
}

// NewFakeConn returns an open FakeConn.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		inbound: make(chan []byte, 64),
		writes:  make(chan []byte, 256),
		done:    make(chan struct{}),
	}
}

// ReadMessage blocks until a frame is pushed or the conn fails or closes.
func (c *FakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.inbound:
		return websocket.TextMessage, raw, nil
	case <-c.done:
		c.mu.Lock()
		err := c.failErr
		c.mu.Unlock()
		if err == nil {
			err = net.ErrClosed
		}
		return 0, nil, err
	}
}

// WriteMessage records data.
func (c *FakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	cp := append([]byte(nil), data...)
	c.written = append(c.written, cp)
	select {
	case c.writes <- cp:
	default:
	}
	return nil
}

// Close ends pending reads.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.done) })
	return nil
}

// Push delivers raw as the next inbound frame.
func (c *FakeConn) Push(raw string) {
	c.inbound <- []byte(raw)
}

// Fail makes pending and later reads return err.
func (c *FakeConn) Fail(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.done) })
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Written returns a copy of every frame written so far.
func (c *FakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// WaitWrite returns the next written frame whose "_type" is typ.
// Frames of other types are skipped.
//
// Postcondition: Returns the frame or fails the test after timeout.
func (c *FakeConn) WaitWrite(t TB, typ string, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case raw := <-c.writes:
			if gjson.GetBytes(raw, "_type").String() == typ {
				return raw
			}
		case <-deadline:
			t.Fatalf("no %s frame written within %s", typ, timeout)
			return nil
		}
	}
}

// DialRecord is one Dial call.
type DialRecord struct {
	Endpoint string
	Header   http.Header
}

// FakeDialer hands out FakeConns, or scripted errors, in call order.
type FakeDialer struct {
	mu     sync.Mutex
	errs   []error
	dials  []DialRecord
	conns  chan *FakeConn
	latest *FakeConn
}

// NewFakeDialer returns a dialer that succeeds unless errors are queued.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{conns: make(chan *FakeConn, 16)}
}

// FailNext queues err for the next Dial.
func (d *FakeDialer) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

// Dial implements transport.Dialer.
func (d *FakeDialer) Dial(_ context.Context, endpoint string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, DialRecord{Endpoint: endpoint, Header: header.Clone()})
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	conn := NewFakeConn()
	d.latest = conn
	d.conns <- conn
	return conn, nil
}

// NextConn waits for the next successful Dial.
func (d *FakeDialer) NextConn(t TB, timeout time.Duration) *FakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(timeout):
		t.Fatalf("no connection dialed within %s", timeout)
		return nil
	}
}

// Dials returns every recorded Dial call.
func (d *FakeDialer) Dials() []DialRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DialRecord, len(d.dials))
	copy(out, d.dials)
	return out
}

// DialCount returns how many times Dial was called.
func (d *FakeDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}
