package socketserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/interactd/internal/broker"
	"github.com/codefionn/interactd/internal/config"
	"github.com/codefionn/interactd/internal/interaction"
	"github.com/codefionn/interactd/internal/logger"
)

// Authenticator resolves an upgrade request to the authenticated user id.
// Token issuance and validation live outside this process; the default
// deployment fronts the broker with an authenticating proxy that injects
// the identity header.
type Authenticator func(*http.Request) (string, error)

// HeaderAuthenticator authenticates from a trusted identity header.
func HeaderAuthenticator(header string) Authenticator {
	return func(r *http.Request) (string, error) {
		userID := r.Header.Get(header)
		if userID == "" {
			return "", fmt.Errorf("missing %s header", header)
		}
		return userID, nil
	}
}

// Server exposes the subscriber WebSocket endpoint, the agent request API
// and the operational surfaces.
type Server struct {
	cfg      *config.Config
	store    *interaction.Store
	registry *Registry
	router   *Router
	broker   *broker.Broker
	authn    Authenticator

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer builds the HTTP server around the fan-out components.
func NewServer(cfg *config.Config, store *interaction.Store, registry *Registry, router *Router, b *broker.Broker, authn Authenticator) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		router:   router,
		broker:   b,
		authn:    authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	mux := httprouter.New()
	mux.GET("/ws", s.handleWebSocket)
	mux.GET("/healthz", s.handleHealthz)
	mux.GET("/stats", s.handleStats)
	mux.POST("/api/permission", s.handlePermission)
	mux.POST("/api/plan-approval", s.handlePlanApproval)
	mux.POST("/api/ask-user", s.handleAskUser)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// net/http internals report through the daemon logger.
		ErrorLog: slog.NewLogLogger(logger.NewSlogHandler(logger.Global()), slog.LevelError),
	}
	return s
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener

	go func() {
		logger.Info("Server listening on %s", listener.Addr())
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Listen
	}
	return s.listener.Addr().String()
}

// Stop closes every subscriber and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.registry.Shutdown()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	userID, err := s.authn(r)
	if err != nil {
		logger.Warn("Rejected upgrade from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	sub := NewSubscriber(conn, userID, s.cfg)
	sub.onStop = func(stopped *Subscriber) { s.registry.Remove(stopped) }

	if err := s.registry.Add(sub); err != nil {
		logger.Warn("Rejected subscriber for %s: %v", userID, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber limit reached"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	sub.start(s.router)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	stats := struct {
		Subscribers          int `json:"subscribers"`
		SessionSubscriptions int `json:"sessionSubscriptions"`
		Sessions             int `json:"sessions"`
		PendingInteractions  int `json:"pendingInteractions"`
	}{
		Subscribers:          s.registry.Count(),
		SessionSubscriptions: s.registry.SubscriptionCount(),
		Sessions:             s.store.SessionCount(),
		PendingInteractions:  s.store.PendingCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		logger.Error("Failed to encode stats: %v", err)
	}
}
