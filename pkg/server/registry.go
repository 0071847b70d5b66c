package server

import (
	"sync"

	"go.uber.org/zap"

	"github.com/studylink/studylink/pkg/protocol"
)

// Conn is the slice of SafeConn the registry needs. Tests substitute
// in-memory fakes.
type Conn interface {
	WriteEnvelope(env *protocol.Envelope) error
	CloseWithCode(code int, reason string) error
}

// Registry tracks the single live connection per authenticated user.
type Registry struct {
	logger  *zap.Logger
	metrics *Metrics

	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, metrics *Metrics) *Registry {
	return &Registry{
		logger:  logger,
		metrics: metrics,
		conns:   make(map[string]Conn),
	}
}

// Register installs conn as the user's live connection. An existing
// connection for the same user is closed with a normal close code and
// returned; the newest connection always wins.
func (r *Registry) Register(userID string, conn Conn) {
	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	n := len(r.conns)
	r.mu.Unlock()

	if prev != nil && prev != conn {
		r.logger.Info("replacing existing connection", zap.String("userId", userID))
		prev.CloseWithCode(protocol.CloseNormal, "replaced by new connection")
	}
	if r.metrics != nil {
		r.metrics.ActiveConnections.Set(float64(n))
	}
}

// Remove drops the user's registry entry, but only if it still points at
// conn. A connection that was already replaced must not evict its
// replacement.
func (r *Registry) Remove(userID string, conn Conn) bool {
	r.mu.Lock()
	current, ok := r.conns[userID]
	if !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	n := len(r.conns)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveConnections.Set(float64(n))
	}
	return true
}

// Lookup returns the user's live connection, if any.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// IsOnline reports whether the user has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Send delivers an envelope to the user if they are online. Sends to
// offline users are logged no-ops; a failed write means the socket is
// dead, so the connection is evicted and closed.
func (r *Registry) Send(userID string, env *protocol.Envelope) bool {
	conn, ok := r.Lookup(userID)
	if !ok {
		// Debug, not warn: presence fan-out routinely targets offline
		// partners.
		r.logger.Debug("no live connection for user, dropping envelope",
			zap.String("userId", userID),
			zap.String("type", string(env.Type)))
		return false
	}

	if err := conn.WriteEnvelope(env); err != nil {
		r.logger.Warn("dropping dead connection after failed write",
			zap.String("userId", userID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
		if r.Remove(userID, conn) {
			conn.CloseWithCode(protocol.CloseNormal, "write failed")
		}
		return false
	}

	r.metrics.RecordSent(string(env.Type))
	return true
}

// Broadcast sends an envelope to each listed user, best effort.
func (r *Registry) Broadcast(userIDs []string, env *protocol.Envelope) {
	for _, userID := range userIDs {
		r.Send(userID, env)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the connected user IDs along with their connections.
func (r *Registry) Snapshot() map[string]Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Conn, len(r.conns))
	for userID, conn := range r.conns {
		out[userID] = conn
	}
	return out
}

// CloseAll closes every live connection. Used during shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.CloseWithCode(code, reason)
	}
	if r.metrics != nil {
		r.metrics.ActiveConnections.Set(0)
	}
}
