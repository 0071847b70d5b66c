// Package server implements the StudyLink messaging gateway: the REST
// API used for account and chat management, and the WebSocket endpoint
// that carries real-time chat traffic.
package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/studylink/studylink/pkg/database"
	"github.com/studylink/studylink/pkg/protocol"
	"github.com/studylink/studylink/pkg/token"
)

const sessionCookieName = "studylink_session"

// Server is the StudyLink messaging server.
type Server struct {
	db       *database.DB
	config   TOMLConfig
	logger   *zap.Logger
	issuer   *token.Issuer
	registry *Registry
	metrics  *Metrics
	upgrader websocket.Upgrader

	httpServer    *http.Server
	metricsServer *http.Server
	listener      net.Listener

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server on top of an opened database. If no token
// secret is configured, a per-process secret is generated and tokens stop
// verifying across restarts.
func NewServer(db *database.DB, config TOMLConfig, logger *zap.Logger) (*Server, error) {
	secret, err := tokenSecret(config, logger)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	return &Server{
		db:       db,
		config:   config,
		logger:   logger,
		issuer:   token.NewIssuer(secret),
		registry: NewRegistry(logger, metrics),
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from the campus web app; origin
			// policy is enforced at the reverse proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}, nil
}

func tokenSecret(config TOMLConfig, logger *zap.Logger) ([]byte, error) {
	if config.Auth.TokenSecret != "" {
		secret, err := hex.DecodeString(config.Auth.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("invalid auth.token_secret: %w", err)
		}
		return secret, nil
	}

	logger.Warn("no token secret configured, generating one; tokens will not survive a restart")
	return token.GenerateSecret()
}

// Handler returns the public HTTP handler. Split out so tests can mount
// it on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("POST /api/auth/ws-token", s.handleWSToken)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	mux.HandleFunc("GET /api/chats/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.HandleWebSocket)

	return mux
}

// Start begins listening on the configured ports. It returns once the
// listener is bound; serving continues in background goroutines.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{Handler: s.Handler()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	// Internal metrics server; never expose publicly.
	if s.config.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
		metricsMux.HandleFunc("/health", s.handleHealth)
		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.Server.MetricsPort),
			Handler: metricsMux,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	s.wg.Add(1)
	go s.sessionCleanupLoop()

	s.logger.Info("server started",
		zap.Int("httpPort", s.Port()),
		zap.Int("metricsPort", s.config.Server.MetricsPort))
	return nil
}

// Port returns the bound HTTP port. Useful when the configured port is 0.
func (s *Server) Port() int {
	if s.listener == nil {
		return s.config.Server.HTTPPort
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop closes every live connection and shuts the HTTP servers down.
func (s *Server) Stop(ctx context.Context) error {
	close(s.shutdown)
	s.registry.CloseAll(protocol.CloseNormal, "server shutting down")

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// sessionCleanupLoop periodically removes expired login sessions.
func (s *Server) sessionCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := s.db.CleanupExpiredSessions(ctx)
			cancel()
			if err != nil {
				s.logger.Error("session cleanup failed", zap.Error(err))
			} else if removed > 0 {
				s.logger.Info("cleaned up expired sessions", zap.Int64("removed", removed))
			}
		case <-s.shutdown:
			return
		}
	}
}
