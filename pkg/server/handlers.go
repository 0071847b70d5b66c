package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/studylink/studylink/pkg/database"
	"github.com/studylink/studylink/pkg/protocol"
)

var errAuthFailed = errors.New("authentication failed")

// HandleWebSocket upgrades the request and runs the connection through
// the auth handshake and, if that succeeds, the message router. The
// session cookie is captured before the upgrade because the handshake
// may fall back to it.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionUserID := ""
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if userID, err := s.db.SessionUser(r.Context(), cookie.Value); err == nil {
			sessionUserID = userID
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sc := NewSafeConn(conn, s.writeTimeout())
	sc.SetPongHandler(func(string) error {
		sc.Touch()
		return nil
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveConn(sc, sessionUserID)
	}()
}

func (s *Server) writeTimeout() time.Duration {
	if s.config.Limits.WriteTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.config.Limits.WriteTimeoutSeconds) * time.Second
}

func (s *Server) pingInterval() time.Duration {
	if s.config.Limits.PingIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.config.Limits.PingIntervalSeconds) * time.Second
}

// serveConn owns the connection from handshake to teardown.
func (s *Server) serveConn(sc *SafeConn, sessionUserID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userID, err := s.authenticate(ctx, sc, sessionUserID)
	if err != nil {
		s.metrics.AuthFailures.Inc()
		sc.WriteEnvelope(protocol.NewError(err.Error()))
		sc.CloseWithCode(protocol.CloseAuthFailed, "authentication failed")
		return
	}

	logger := s.logger.With(zap.String("userId", userID), zap.String("remote", sc.RemoteAddr()))
	logger.Info("connection authenticated")

	s.registry.Register(userID, sc)
	s.announceOnline(ctx, userID, sc)

	done := make(chan struct{})
	go s.pingLoop(sc, done)

	s.readLoop(ctx, sc, userID, logger)

	close(done)
	// A connection that was replaced must not tear down its successor's
	// presence.
	if s.registry.Remove(userID, sc) {
		s.announceOffline(ctx, userID)
		logger.Info("connection closed")
	}
	sc.CloseWithCode(protocol.CloseNormal, "")
}

// authenticate runs the handshake. Non-auth envelopes before
// authentication are answered with an error but do not close the
// connection; a failed credential check does.
func (s *Server) authenticate(ctx context.Context, sc *SafeConn, sessionUserID string) (string, error) {
	var auth *protocol.AuthPayload
	for auth == nil {
		raw, err := sc.ReadMessage()
		if err != nil {
			return "", errAuthFailed
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			return "", fmt.Errorf("%w: malformed envelope", errAuthFailed)
		}
		s.metrics.RecordReceived(string(env.Type))

		if env.Type != protocol.TypeAuth {
			sc.WriteEnvelope(protocol.NewError("not authenticated"))
			s.metrics.RecordSent(string(protocol.TypeError))
			continue
		}

		payload, err := env.Payload()
		if err != nil {
			return "", fmt.Errorf("%w: malformed auth payload", errAuthFailed)
		}
		auth = payload.(*protocol.AuthPayload)
	}

	return s.resolveIdentity(ctx, sessionUserID, auth)
}

// resolveIdentity tries the credential methods in order, first success
// wins: server-side session, then signed token, then bare userId
// existence for legacy clients. A method that resolves an identity which
// then fails the existence re-check fails the whole handshake; falling
// through would downgrade a credential that already named a user.
func (s *Server) resolveIdentity(ctx context.Context, sessionUserID string, auth *protocol.AuthPayload) (string, error) {
	if sessionUserID != "" {
		if !s.userExists(ctx, sessionUserID) {
			return "", errAuthFailed
		}
		return sessionUserID, nil
	}

	if auth.Token != "" {
		userID, err := s.issuer.Verify(auth.Token)
		if err != nil {
			s.logger.Warn("token verification failed", zap.Error(err))
			return "", errAuthFailed
		}
		// The account may have been deleted since the token was issued.
		if !s.userExists(ctx, userID) {
			return "", errAuthFailed
		}
		return userID, nil
	}

	if auth.UserID != "" {
		if !s.userExists(ctx, auth.UserID) {
			return "", errAuthFailed
		}
		s.logger.Warn("authenticated by user existence only",
			zap.String("userId", auth.UserID))
		return auth.UserID, nil
	}

	return "", fmt.Errorf("%w: no credentials provided", errAuthFailed)
}

func (s *Server) userExists(ctx context.Context, userID string) bool {
	exists, err := s.db.UserExists(ctx, userID)
	if err != nil {
		s.logger.Error("user existence check failed", zap.Error(err))
		return false
	}
	return exists
}

// announceOnline confirms presence to the fresh connection and tells the
// user's online chat partners they came online.
func (s *Server) announceOnline(ctx context.Context, userID string, sc *SafeConn) {
	env := protocol.New(protocol.TypeUserOnline, &protocol.PresenceEvent{UserID: userID})
	if err := sc.WriteEnvelope(env); err == nil {
		s.metrics.RecordSent(string(protocol.TypeUserOnline))
	}
	s.registry.Broadcast(s.chatPartners(ctx, userID), env)
}

func (s *Server) announceOffline(ctx context.Context, userID string) {
	env := protocol.New(protocol.TypeUserOffline, &protocol.PresenceEvent{UserID: userID})
	s.registry.Broadcast(s.chatPartners(ctx, userID), env)
}

// chatPartners returns the distinct users sharing a chat with userID.
func (s *Server) chatPartners(ctx context.Context, userID string) []string {
	chats, err := s.db.UserChats(ctx, userID)
	if err != nil {
		s.logger.Error("failed to list chats for presence", zap.Error(err))
		return nil
	}

	seen := make(map[string]bool)
	var partners []string
	for _, chat := range chats {
		other := chat.OtherParticipant(userID)
		if other != userID && !seen[other] {
			seen[other] = true
			partners = append(partners, other)
		}
	}
	return partners
}

// pingLoop keeps the connection alive; dead sockets surface as failed
// writes here or in the registry.
func (s *Server) pingLoop(sc *SafeConn, done chan struct{}) {
	ticker := time.NewTicker(s.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sc.WritePing(); err != nil {
				return
			}
		case <-done:
			return
		case <-s.shutdown:
			return
		}
	}
}

// readLoop routes envelopes until the connection drops.
func (s *Server) readLoop(ctx context.Context, sc *SafeConn, userID string, logger *zap.Logger) {
	for {
		raw, err := sc.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("read error", zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			logger.Warn("malformed envelope", zap.Error(err))
			sc.WriteEnvelope(protocol.NewError("malformed envelope"))
			s.metrics.RecordSent(string(protocol.TypeError))
			continue
		}
		s.metrics.RecordReceived(string(env.Type))

		if err := s.route(ctx, userID, env); err != nil {
			sc.WriteEnvelope(protocol.NewError(err.Error()))
			s.metrics.RecordSent(string(protocol.TypeError))
		}
	}
}

// route dispatches one envelope. A returned error is reported to the
// client; it never terminates the connection.
func (s *Server) route(ctx context.Context, userID string, env *protocol.Envelope) error {
	payload, err := env.Payload()
	if errors.Is(err, protocol.ErrUnknownType) {
		s.logger.Debug("dropping unknown envelope type", zap.String("type", string(env.Type)))
		return nil
	}
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *protocol.AuthPayload:
		return errors.New("already authenticated")
	case *protocol.MessagePayload:
		return s.handleChatMessage(ctx, userID, p)
	case *protocol.TypingPayload:
		return s.handleTyping(ctx, userID, p)
	case *protocol.ReadReceiptPayload:
		return s.handleReadReceipt(ctx, userID, p)
	default:
		// Server-to-client types echoed back by a confused client.
		s.logger.Debug("dropping client copy of server envelope", zap.String("type", string(env.Type)))
		return nil
	}
}

// handleChatMessage validates, persists, and fans out a chat message to
// both participants.
func (s *Server) handleChatMessage(ctx context.Context, userID string, p *protocol.MessagePayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.SenderID != userID {
		return errors.New("senderId does not match authenticated user")
	}
	if max := s.config.Limits.MaxMessageLength; max > 0 && len(p.Content) > max {
		return fmt.Errorf("message exceeds maximum length of %d bytes", max)
	}

	chat, err := s.db.GetChat(ctx, p.ChatID)
	if errors.Is(err, database.ErrChatNotFound) {
		return errors.New("chat not found")
	}
	if err != nil {
		return s.internalError("load chat", err)
	}
	if !chat.HasParticipant(userID) {
		return errors.New("not a participant of this chat")
	}

	msg, err := s.db.CreateMessage(ctx, p.ChatID, userID, p.Content, p.MessageType)
	if err != nil {
		return s.internalError("persist message", err)
	}
	s.metrics.MessagesPersisted.Inc()

	senderName := userID
	if sender, err := s.db.GetUser(ctx, userID); err == nil {
		senderName = sender.Username
	}

	event := protocol.New(protocol.TypeMessage, &protocol.MessageEvent{
		ID:          msg.ID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		SenderName:  senderName,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		SentAt:      msg.SentAt,
	})
	s.registry.Broadcast([]string{chat.ParticipantA, chat.ParticipantB}, event)
	return nil
}

// handleTyping forwards an ephemeral typing indicator to the other
// participant. Nothing is persisted.
func (s *Server) handleTyping(ctx context.Context, userID string, p *protocol.TypingPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}

	chat, err := s.db.GetChat(ctx, p.ChatID)
	if errors.Is(err, database.ErrChatNotFound) {
		return errors.New("chat not found")
	}
	if err != nil {
		return s.internalError("load chat", err)
	}
	if !chat.HasParticipant(userID) {
		return errors.New("not a participant of this chat")
	}

	event := protocol.New(protocol.TypeTyping, &protocol.TypingEvent{
		ChatID:   p.ChatID,
		UserID:   userID,
		IsTyping: p.IsTyping,
	})
	s.registry.Send(chat.OtherParticipant(userID), event)
	return nil
}

// handleReadReceipt marks a message read and notifies its sender. A
// repeat receipt for the same message changes nothing and notifies
// nobody.
func (s *Server) handleReadReceipt(ctx context.Context, userID string, p *protocol.ReadReceiptPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}

	member, err := s.db.IsMember(ctx, p.ChatID, userID)
	if err != nil {
		return s.internalError("check membership", err)
	}
	if !member {
		return errors.New("not a participant of this chat")
	}

	existing, err := s.db.GetMessage(ctx, p.MessageID)
	if errors.Is(err, database.ErrMessageNotFound) {
		return errors.New("message not found")
	}
	if err != nil {
		return s.internalError("load message", err)
	}
	if existing.ChatID != p.ChatID {
		return errors.New("message does not belong to this chat")
	}

	msg, changed, err := s.db.MarkRead(ctx, p.MessageID, userID)
	if err != nil {
		return s.internalError("mark message read", err)
	}
	if !changed {
		return nil
	}

	event := protocol.New(protocol.TypeReadReceipt, &protocol.ReadReceiptEvent{
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		ReaderID:  userID,
		ReadAt:    *msg.ReadAt,
	})
	s.registry.Send(msg.SenderID, event)
	return nil
}

// internalError logs the real failure and returns a generic client-safe
// error.
func (s *Server) internalError(operation string, err error) error {
	s.logger.Error(operation+" failed", zap.Error(err))
	return errors.New("internal error")
}
