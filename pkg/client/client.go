// Package client implements a StudyLink messaging client: REST login,
// the WebSocket auth handshake, and automatic reconnection with
// exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/studylink/studylink/pkg/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoffWait
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoffWait:
		return "backoff_wait"
	default:
		return "unknown"
	}
}

// StateChange is pushed on the state channel whenever the connection
// moves between states.
type StateChange struct {
	State State
	Err   error
}

const maxReconnectAttempts = 5

// backoffDelay returns the wait before reconnect attempt n (0-based):
// 1s, 2s, 4s, 8s, 16s.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// ErrNotConnected is returned when sending without a live connection.
var ErrNotConnected = errors.New("client: not connected")

// Handlers receive server pushes. Set them before calling Connect; they
// are invoked from the read goroutine.
type Handlers struct {
	OnMessage     func(*protocol.MessageEvent)
	OnTyping      func(*protocol.TypingEvent)
	OnReadReceipt func(*protocol.ReadReceiptEvent)
	OnPresence    func(userID string, online bool)
}

// Client connects to a StudyLink server and keeps the connection alive.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	handlers   Handlers

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	cachedToken string
	userID      string
	attempts    int
	retryTimer  *time.Timer
	stopped     bool
	backoff     func(attempt int) time.Duration

	stateCh chan StateChange
}

// New creates a client for the server at baseURL (e.g. "http://host:8080").
func New(baseURL string, logger *zap.Logger, handlers Handlers) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Jar: jar, Timeout: 10 * time.Second},
		logger:     logger,
		handlers:   handlers,
		backoff:    backoffDelay,
		stateCh:    make(chan StateChange, 16),
	}, nil
}

// Login establishes a REST session; the session cookie lives in the
// client's jar and backs later token fetches.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}

	var user struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}

	c.mu.Lock()
	c.userID = user.ID
	c.mu.Unlock()
	return nil
}

// Connect opens the WebSocket connection. Calling it while connected or
// already reconnecting is a no-op. A failed first attempt starts the
// backoff schedule; the error is still returned so callers can surface it.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected || c.state == StateConnecting || c.state == StateBackoffWait {
		return nil
	}

	c.stopped = false
	c.attempts = 0
	if err := c.connectLocked(); err != nil {
		c.scheduleReconnectLocked(err)
		return err
	}
	return nil
}

// connectLocked performs one full connection attempt: token fetch, dial,
// auth handshake. Caller holds c.mu.
func (c *Client) connectLocked() error {
	c.setStateLocked(StateConnecting, nil)

	tok, userID, err := c.wsTokenLocked()
	if err != nil {
		return err
	}

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	if err := conn.WriteJSON(protocol.New(protocol.TypeAuth, &protocol.AuthPayload{Token: tok})); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send auth: %w", err)
	}

	if err := c.awaitAuthAck(conn); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.userID = userID
	c.attempts = 0
	c.setStateLocked(StateConnected, nil)
	c.logger.Info("connected", zap.String("userId", userID))

	go c.readLoop(conn)
	return nil
}

// wsTokenLocked returns the cached auth token or fetches a fresh one
// using the session cookie.
func (c *Client) wsTokenLocked() (tok, userID string, err error) {
	if c.cachedToken != "" {
		return c.cachedToken, c.userID, nil
	}

	resp, err := c.httpClient.Post(c.baseURL+"/api/auth/ws-token", "application/json", nil)
	if err != nil {
		return "", "", fmt.Errorf("token fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("token fetch rejected with status %d", resp.StatusCode)
	}

	var body struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("failed to decode token response: %w", err)
	}

	c.cachedToken = body.Token
	return body.Token, body.UserID, nil
}

// awaitAuthAck reads the server's answer to the auth envelope. Anything
// other than a presence ack is an auth failure; a 4001 close invalidates
// the cached token.
func (c *Client) awaitAuthAck(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, protocol.CloseAuthFailed) {
				c.cachedToken = ""
			}
			return fmt.Errorf("authentication failed: %w", err)
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			return fmt.Errorf("malformed handshake response: %w", err)
		}

		switch env.Type {
		case protocol.TypeUserOnline:
			return nil
		case protocol.TypeError:
			// The close frame with the real code follows.
			continue
		default:
			return fmt.Errorf("unexpected handshake response %q", env.Type)
		}
	}
}

// readLoop dispatches server pushes until the connection drops, then
// decides whether to reconnect.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		env, decodeErr := protocol.Decode(raw)
		if decodeErr != nil {
			c.logger.Warn("dropping malformed envelope", zap.Error(decodeErr))
			continue
		}
		c.dispatch(env)
	}
}

// dispatch decodes server pushes. Inbound "message"/"typing"/
// "read_receipt" carry the server's event shapes, not the request
// payloads a client would send.
func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMessage:
		var ev protocol.MessageEvent
		if c.decodeEvent(env, &ev) && c.handlers.OnMessage != nil {
			c.handlers.OnMessage(&ev)
		}
	case protocol.TypeTyping:
		var ev protocol.TypingEvent
		if c.decodeEvent(env, &ev) && c.handlers.OnTyping != nil {
			c.handlers.OnTyping(&ev)
		}
	case protocol.TypeReadReceipt:
		var ev protocol.ReadReceiptEvent
		if c.decodeEvent(env, &ev) && c.handlers.OnReadReceipt != nil {
			c.handlers.OnReadReceipt(&ev)
		}
	case protocol.TypeUserOnline, protocol.TypeUserOffline:
		var ev protocol.PresenceEvent
		if c.decodeEvent(env, &ev) && c.handlers.OnPresence != nil {
			c.handlers.OnPresence(ev.UserID, env.Type == protocol.TypeUserOnline)
		}
	case protocol.TypeError:
		var ev protocol.ErrorPayload
		if c.decodeEvent(env, &ev) {
			c.logger.Warn("server error", zap.String("message", ev.Message))
		}
	default:
		c.logger.Debug("ignoring envelope", zap.String("type", string(env.Type)))
	}
}

func (c *Client) decodeEvent(env *protocol.Envelope, into any) bool {
	if err := json.Unmarshal(env.Data, into); err != nil {
		c.logger.Warn("dropping unreadable envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	// A stale read loop from a connection we already replaced or closed
	// must not touch current state.
	if c.conn != conn {
		return
	}
	c.conn = nil

	if c.stopped {
		c.setStateLocked(StateDisconnected, nil)
		return
	}

	if websocket.IsCloseError(err, protocol.CloseAuthFailed) {
		c.cachedToken = ""
	}
	if websocket.IsCloseError(err, protocol.CloseNormal) {
		// The server said goodbye on purpose (shutdown or replacement);
		// fighting it would loop forever.
		c.logger.Info("server closed the connection")
		c.setStateLocked(StateDisconnected, err)
		return
	}

	c.logger.Warn("connection lost", zap.Error(err))
	c.scheduleReconnectLocked(err)
}

// scheduleReconnectLocked arms the backoff timer for the next attempt,
// or gives up after the attempt budget is spent. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked(cause error) {
	if c.attempts >= maxReconnectAttempts {
		c.logger.Error("giving up after repeated reconnect failures", zap.Int("attempts", c.attempts))
		c.setStateLocked(StateDisconnected, cause)
		return
	}

	delay := c.backoff(c.attempts)
	c.attempts++
	c.setStateLocked(StateBackoffWait, cause)
	c.logger.Info("scheduling reconnect",
		zap.Duration("delay", delay),
		zap.Int("attempt", c.attempts))

	c.retryTimer = time.AfterFunc(delay, c.tryReconnect)
}

func (c *Client) tryReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.state == StateConnected {
		return
	}
	if err := c.connectLocked(); err != nil {
		c.scheduleReconnectLocked(err)
	}
}

// Disconnect closes the connection with a normal close code and cancels
// any pending reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}

	if c.conn != nil {
		msg := websocket.FormatCloseMessage(protocol.CloseNormal, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	c.setStateLocked(StateDisconnected, nil)
}

// SendMessage posts a chat message.
func (c *Client) SendMessage(chatID, content string) error {
	c.mu.Lock()
	payload := &protocol.MessagePayload{
		ChatID:      chatID,
		SenderID:    c.userID,
		Content:     content,
		MessageType: protocol.MessageTypeText,
	}
	c.mu.Unlock()
	return c.send(protocol.TypeMessage, payload)
}

// SendTyping reports the typing indicator for a chat.
func (c *Client) SendTyping(chatID string, isTyping bool) error {
	return c.send(protocol.TypeTyping, &protocol.TypingPayload{ChatID: chatID, IsTyping: isTyping})
}

// SendReadReceipt marks a message as read.
func (c *Client) SendReadReceipt(chatID, messageID string) error {
	return c.send(protocol.TypeReadReceipt, &protocol.ReadReceiptPayload{ChatID: chatID, MessageID: messageID})
}

func (c *Client) send(typ protocol.Type, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.state != StateConnected {
		c.logger.Warn("dropping send while disconnected", zap.String("type", string(typ)))
		return ErrNotConnected
	}
	return c.conn.WriteJSON(protocol.New(typ, payload))
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the authenticated user's ID, once known.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// StateChanges returns the channel of state transitions. Slow consumers
// miss updates rather than blocking the connection.
func (c *Client) StateChanges() <-chan StateChange {
	return c.stateCh
}

func (c *Client) setStateLocked(state State, err error) {
	c.state = state
	select {
	case c.stateCh <- StateChange{State: state, Err: err}:
	default:
	}
}
