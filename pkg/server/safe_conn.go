package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studylink/studylink/pkg/protocol"
)

// SafeConn wraps a websocket connection with a write mutex. Gorilla
// allows one concurrent writer only, and the router, presence fan-out,
// and ping ticker all write from different goroutines.
type SafeConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool

	lastActivity atomic.Int64
}

// NewSafeConn wraps an upgraded websocket connection.
func NewSafeConn(conn *websocket.Conn, writeTimeout time.Duration) *SafeConn {
	sc := &SafeConn{conn: conn, writeTimeout: writeTimeout}
	sc.Touch()
	return sc
}

// WriteEnvelope marshals and sends an envelope as a text frame.
func (sc *SafeConn) WriteEnvelope(env *protocol.Envelope) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.closed {
		return websocket.ErrCloseSent
	}

	sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	return sc.conn.WriteJSON(env)
}

// WritePing sends a ping control frame.
func (sc *SafeConn) WritePing() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.closed {
		return websocket.ErrCloseSent
	}

	return sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(sc.writeTimeout))
}

// CloseWithCode sends a close frame with the given code and reason, then
// closes the underlying connection. Safe to call more than once.
func (sc *SafeConn) CloseWithCode(code int, reason string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.closed {
		return nil
	}
	sc.closed = true

	msg := websocket.FormatCloseMessage(code, reason)
	sc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(sc.writeTimeout))
	return sc.conn.Close()
}

// Touch records activity on the connection (any inbound frame or pong).
func (sc *SafeConn) Touch() {
	sc.lastActivity.Store(time.Now().UnixMilli())
}

// LastActivity returns the time of the most recent inbound activity.
func (sc *SafeConn) LastActivity() time.Time {
	return time.UnixMilli(sc.lastActivity.Load())
}

// ReadMessage reads the next data frame from the connection.
func (sc *SafeConn) ReadMessage() ([]byte, error) {
	_, data, err := sc.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	sc.Touch()
	return data, nil
}

// SetPongHandler installs h as the pong handler on the underlying
// connection.
func (sc *SafeConn) SetPongHandler(h func(string) error) {
	sc.conn.SetPongHandler(h)
}

// RemoteAddr returns the client's network address.
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}
