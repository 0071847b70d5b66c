package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/studylink/studylink/pkg/database"
	"github.com/studylink/studylink/pkg/token"
)

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Major    string `json:"major"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Major    string `json:"major"`
}

type wsTokenResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	ExpiresIn int64  `json:"expiresIn"`
}

type chatResponse struct {
	ID            string `json:"id"`
	ParticipantA  string `json:"participantA"`
	ParticipantB  string `json:"participantB"`
	CreatedAt     int64  `json:"createdAt"`
	LastMessageAt int64  `json:"lastMessageAt"`
}

type messageResponse struct {
	ID          string `json:"id"`
	ChatID      string `json:"chatId"`
	SenderID    string `json:"senderId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	SentAt      int64  `json:"sentAt"`
	ReadAt      *int64 `json:"readAt,omitempty"`
}

type createChatRequest struct {
	ParticipantID string `json:"participantId"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		s.logger.Error("password hashing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := s.db.CreateUser(r.Context(), req.Username, req.Major, hash)
	if errors.Is(err, database.ErrUsernameTaken) {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		s.logger.Error("user creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Username: user.Username, Major: user.Major})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.db.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, database.ErrUserNotFound) || (err == nil && !VerifyPassword(req.Password, user.PasswordHash)) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.logger.Error("login lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ttl := time.Duration(s.config.Auth.SessionTTLHours) * time.Hour
	sessionToken, err := s.db.CreateSession(r.Context(), user.ID, ttl)
	if err != nil {
		s.logger.Error("session creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Username: user.Username, Major: user.Major})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if err := s.db.DeleteSession(r.Context(), cookie.Value); err != nil {
			s.logger.Error("session deletion failed", zap.Error(err))
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleWSToken mints a short-lived WebSocket auth token for the
// logged-in user.
func (s *Server) handleWSToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, wsTokenResponse{
		Token:     s.issuer.Issue(userID),
		UserID:    userID,
		ExpiresIn: token.TTL.Milliseconds(),
	})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	chats, err := s.db.UserChats(r.Context(), userID)
	if err != nil {
		s.logger.Error("chat listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]chatResponse, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatResponse{
			ID:            c.ID,
			ParticipantA:  c.ParticipantA,
			ParticipantB:  c.ParticipantB,
			CreatedAt:     c.CreatedAt,
			LastMessageAt: c.LastMessageAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participantId is required")
		return
	}
	if req.ParticipantID == userID {
		writeError(w, http.StatusBadRequest, "cannot start a chat with yourself")
		return
	}

	exists, err := s.db.UserExists(r.Context(), req.ParticipantID)
	if err != nil {
		s.logger.Error("participant lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "participant not found")
		return
	}

	// Reuse an existing chat between the pair rather than creating a
	// duplicate.
	existing, err := s.db.UserChats(r.Context(), userID)
	if err == nil {
		for _, c := range existing {
			if c.HasParticipant(req.ParticipantID) {
				writeJSON(w, http.StatusOK, chatResponse{
					ID:            c.ID,
					ParticipantA:  c.ParticipantA,
					ParticipantB:  c.ParticipantB,
					CreatedAt:     c.CreatedAt,
					LastMessageAt: c.LastMessageAt,
				})
				return
			}
		}
	}

	chat, err := s.db.CreateChat(r.Context(), userID, req.ParticipantID)
	if err != nil {
		s.logger.Error("chat creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, chatResponse{
		ID:            chat.ID,
		ParticipantA:  chat.ParticipantA,
		ParticipantB:  chat.ParticipantB,
		CreatedAt:     chat.CreatedAt,
		LastMessageAt: chat.LastMessageAt,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	chatID := r.PathValue("id")
	member, err := s.db.IsMember(r.Context(), chatID, userID)
	if err != nil {
		s.logger.Error("membership check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a participant of this chat")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	messages, err := s.db.GetMessages(r.Context(), chatID, limit, offset)
	if err != nil {
		s.logger.Error("message listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse{
			ID:          m.ID,
			ChatID:      m.ChatID,
			SenderID:    m.SenderID,
			Content:     m.Content,
			MessageType: m.MessageType,
			SentAt:      m.SentAt,
			ReadAt:      m.ReadAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
	})
}

// requireSession resolves the session cookie or writes a 401.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return "", false
	}

	userID, err := s.db.SessionUser(r.Context(), cookie.Value)
	if errors.Is(err, database.ErrSessionNotFound) {
		writeError(w, http.StatusUnauthorized, "session expired")
		return "", false
	}
	if err != nil {
		s.logger.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
