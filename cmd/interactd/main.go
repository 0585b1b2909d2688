package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/interactd/internal/auth"
	"github.com/codefionn/interactd/internal/broker"
	"github.com/codefionn/interactd/internal/config"
	"github.com/codefionn/interactd/internal/interaction"
	"github.com/codefionn/interactd/internal/logger"
	"github.com/codefionn/interactd/internal/socketserver"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error, none")
	authHeader := flag.String("auth-header", "X-User-Id", "trusted identity header set by the fronting proxy")
	seedSessions := flag.String("seed-sessions", "", "comma-separated sessionID=userID pairs to pre-register (development)")
	flag.Parse()

	if err := run(*configPath, *listen, *logLevel, *authHeader, *seedSessions); err != nil {
		fmt.Fprintf(os.Stderr, "interactd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen, logLevel, authHeader, seedSessions string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return err
	}
	defer logger.Global().Close()

	store := interaction.NewStore(interaction.StoreConfig{
		MaxPerSession: cfg.MaxInteractionsPerSession,
		MaxSessions:   cfg.MaxSessions,
		SessionTTL:    cfg.SessionTTL(),
		SweepInterval: cfg.SweepInterval(),
		Timeouts: interaction.Timeouts{
			Permission:   cfg.PermissionTimeout(),
			PlanApproval: cfg.PlanTimeout(),
			AskUser:      cfg.AskUserTimeout(),
		},
	})
	b := broker.New(store)

	sessions := auth.NewRegistry()
	if err := seed(sessions, seedSessions); err != nil {
		return err
	}

	audit := auth.NewLogSink()
	registry := socketserver.NewRegistry(cfg)
	router := socketserver.NewRouter(cfg, store, registry, sessions, audit)
	server := socketserver.NewServer(cfg, store, registry, router, b, socketserver.HeaderAuthenticator(authHeader))

	bgCtx, cancelBg := context.WithCancel(context.Background())
	go store.RunSweeper(bgCtx)
	go registry.RunHeartbeat(bgCtx, router.NextSeq)

	if err := server.Start(); err != nil {
		cancelBg()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received %s, shutting down", sig)

	store.Shutdown()
	cancelBg()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// seed pre-registers development sessions given as sessionID=userID pairs.
func seed(sessions *auth.Registry, pairs string) error {
	if pairs == "" {
		return nil
	}
	for _, pair := range strings.Split(pairs, ",") {
		sessionID, userID, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || sessionID == "" || userID == "" {
			return fmt.Errorf("invalid seed session %q, expected sessionID=userID", pair)
		}
		if !auth.ValidSessionID(sessionID) {
			return fmt.Errorf("seed session id %q is not a canonical UUIDv4", sessionID)
		}
		if !sessions.Register(sessionID, userID) {
			return fmt.Errorf("seed session %q already registered to another user", sessionID)
		}
		logger.Info("Seeded session %s for user %s", sessionID, userID)
	}
	return nil
}
