package client

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/studylink/studylink/pkg/protocol"
)

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempt, d := range want {
		assert.Equal(t, d, backoffDelay(attempt), "attempt %d", attempt)
	}
}

// fakeServer is a minimal in-process stand-in for the real gateway: it
// mints tokens, accepts the auth handshake, and lets tests script the
// connection's fate.
type fakeServer struct {
	t        *testing.T
	ts       *httptest.Server
	upgrader websocket.Upgrader

	tokenFetches  atomic.Int64
	dials         atomic.Int64
	rejectAuth    atomic.Bool
	refuseUpgrade atomic.Bool
	dropAbruptly  atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/ws-token", func(w http.ResponseWriter, r *http.Request) {
		fs.tokenFetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"tok-1","userId":"u-1","expiresIn":86400000}`))
	})
	mux.HandleFunc("GET /ws", fs.handleWS)

	fs.ts = httptest.NewServer(mux)
	t.Cleanup(fs.ts.Close)
	return fs
}

func (fs *fakeServer) handleWS(w http.ResponseWriter, r *http.Request) {
	fs.dials.Add(1)
	if fs.refuseUpgrade.Load() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	env, err := protocol.Decode(raw)
	if err != nil || env.Type != protocol.TypeAuth {
		conn.Close()
		return
	}

	if fs.rejectAuth.Load() {
		conn.WriteJSON(protocol.NewError("authentication failed"))
		msg := websocket.FormatCloseMessage(protocol.CloseAuthFailed, "authentication failed")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn.WriteJSON(protocol.New(protocol.TypeUserOnline, &protocol.PresenceEvent{UserID: "u-1"}))
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
			if fs.dropAbruptly.Load() {
				// Kill the TCP stream with no close frame.
				conn.UnderlyingConn().Close()
				return
			}
		}
	}()
}

// push sends an envelope on the most recent connection.
func (fs *fakeServer) push(env *protocol.Envelope) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(fs.t, fs.conns)
	require.NoError(fs.t, fs.conns[len(fs.conns)-1].WriteJSON(env))
}

// closeNormally sends a proper close frame on the most recent connection.
func (fs *fakeServer) closeNormally() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(fs.t, fs.conns)
	conn := fs.conns[len(fs.conns)-1]
	msg := websocket.FormatCloseMessage(protocol.CloseNormal, "replaced")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

func newTestClient(t *testing.T, fs *fakeServer, handlers Handlers) *Client {
	t.Helper()
	c, err := New(fs.ts.URL, zaptest.NewLogger(t), handlers)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		15*time.Second, 10*time.Millisecond, "waiting for state %s", want)
}

func TestConnectAndDispatch(t *testing.T) {
	fs := newFakeServer(t)

	var mu sync.Mutex
	var got []*protocol.MessageEvent
	c := newTestClient(t, fs, Handlers{
		OnMessage: func(m *protocol.MessageEvent) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
	})

	require.NoError(t, c.Connect())
	waitForState(t, c, StateConnected)
	assert.Equal(t, "u-1", c.UserID())

	fs.push(protocol.New(protocol.TypeMessage, &protocol.MessageEvent{
		ID: "m-1", ChatID: "c-1", SenderID: "u-2", Content: "hi", SentAt: 123,
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "m-1", got[0].ID)
	assert.Equal(t, "hi", got[0].Content)
	mu.Unlock()
}

func TestConnectIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, Handlers{})

	require.NoError(t, c.Connect())
	waitForState(t, c, StateConnected)
	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect())

	assert.EqualValues(t, 1, fs.dials.Load())
}

func TestSendWhileDisconnected(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, Handlers{})

	assert.ErrorIs(t, c.SendMessage("c-1", "hello"), ErrNotConnected)
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, Handlers{})

	require.NoError(t, c.Connect())
	waitForState(t, c, StateConnected)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	// No redial happens after a user-initiated disconnect.
	time.Sleep(1500 * time.Millisecond)
	assert.EqualValues(t, 1, fs.dials.Load())
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, Handlers{})

	require.NoError(t, c.Connect())
	waitForState(t, c, StateConnected)

	// The next inbound frame makes the server sever the TCP stream.
	fs.dropAbruptly.Store(true)
	require.NoError(t, c.SendTyping("c-1", true))

	waitForState(t, c, StateBackoffWait)
	fs.dropAbruptly.Store(false)
	waitForState(t, c, StateConnected)
	assert.EqualValues(t, 2, fs.dials.Load())
}

func TestGivesUpAfterExhaustedReconnects(t *testing.T) {
	fs := newFakeServer(t)
	fs.refuseUpgrade.Store(true)

	c := newTestClient(t, fs, Handlers{})
	c.mu.Lock()
	c.backoff = func(int) time.Duration { return 10 * time.Millisecond }
	c.mu.Unlock()

	require.Error(t, c.Connect())

	// Initial attempt plus five scheduled retries, then the client parks.
	require.Eventually(t, func() bool { return fs.dials.Load() == 6 },
		5*time.Second, 10*time.Millisecond)
	waitForState(t, c, StateDisconnected)

	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 6, fs.dials.Load())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, Handlers{})

	require.NoError(t, c.Connect())
	waitForState(t, c, StateConnected)

	fs.closeNormally()
	waitForState(t, c, StateDisconnected)

	time.Sleep(1500 * time.Millisecond)
	assert.EqualValues(t, 1, fs.dials.Load())
}

func TestAuthRejectionDropsCachedToken(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, Handlers{})

	require.NoError(t, c.Connect())
	waitForState(t, c, StateConnected)
	require.EqualValues(t, 1, fs.tokenFetches.Load())

	// Sever the connection and reject the cached token on redial; the
	// client must fetch a fresh one for the following attempt.
	fs.rejectAuth.Store(true)
	fs.dropAbruptly.Store(true)
	require.NoError(t, c.SendTyping("c-1", true))

	require.Eventually(t, func() bool { return fs.tokenFetches.Load() >= 2 },
		10*time.Second, 50*time.Millisecond)

	fs.rejectAuth.Store(false)
	fs.dropAbruptly.Store(false)
	waitForState(t, c, StateConnected)
}
