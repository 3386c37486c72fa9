package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// RoomServer is a websocket server for integration testing.
// Each accepted connection is handed to the test through Accept.
type RoomServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	accepted chan *ServerConn
	t        testing.TB

	mu     sync.Mutex
	status int
}

// ServerConn is the server side of one accepted connection.
type ServerConn struct {
	Conn   *websocket.Conn
	Header http.Header
	Query  string
}

// NewRoomServer starts a server and registers its shutdown with t.Cleanup.
//
// Postcondition: Returns a listening RoomServer.
func NewRoomServer(t testing.TB) *RoomServer {
	t.Helper()
	rs := &RoomServer{accepted: make(chan *ServerConn, 8), t: t}
	rs.srv = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.srv.Close)
	return rs
}

// URL returns the ws:// endpoint.
func (rs *RoomServer) URL() string {
	return "ws" + strings.TrimPrefix(rs.srv.URL, "http")
}

// RefuseWith makes later handshakes fail with status. Zero accepts again.
func (rs *RoomServer) RefuseWith(status int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.status = status
}

func (rs *RoomServer) handle(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	status := rs.status
	rs.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	conn, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rs.t.Logf("upgrade failed: %v", err)
		return
	}
	rs.accepted <- &ServerConn{Conn: conn, Header: r.Header.Clone(), Query: r.URL.RawQuery}
}

// Accept waits for the next connection.
func (rs *RoomServer) Accept(timeout time.Duration) *ServerConn {
	rs.t.Helper()
	select {
	case c := <-rs.accepted:
		rs.t.Cleanup(func() { c.Conn.Close() })
		return c
	case <-time.After(timeout):
		rs.t.Fatalf("no connection accepted within %s", timeout)
		return nil
	}
}

// Send writes raw as a text frame.
func (c *ServerConn) Send(t testing.TB, raw string) {
	t.Helper()
	if err := c.Conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("sending %q: %v", raw, err)
	}
}

// Receive reads the next text frame.
func (c *ServerConn) Receive(t testing.TB, timeout time.Duration) []byte {
	t.Helper()
	_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.Conn.ReadMessage()
	if err != nil {
		t.Fatalf("receiving: %v", err)
	}
	return raw
}
