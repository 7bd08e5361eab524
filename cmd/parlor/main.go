// Package main is the entry point for the parlor server: the multi-agent
// chat-room engine driving persona agents over the claude and codex
// backends.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/agentmgr"
	"github.com/parlorhq/parlor/internal/appserver"
	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/backend/claude"
	"github.com/parlorhq/parlor/internal/backend/codexsrv"
	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/conversation/store"
	"github.com/parlorhq/parlor/internal/events"
	"github.com/parlorhq/parlor/internal/httpapi"
	"github.com/parlorhq/parlor/internal/orchestrator"
	"github.com/parlorhq/parlor/internal/orchestrator/scheduler"
	"github.com/parlorhq/parlor/internal/persona"
	"github.com/parlorhq/parlor/internal/streaming"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting parlor",
		zap.String("default_backend", cfg.Backends.Default),
		zap.String("database", cfg.Database.Path),
		zap.Int("port", cfg.Server.Port))

	// ============================================
	// PERSISTENCE + EVENT BUS
	// ============================================
	st, err := store.OpenSQLite(cfg.Database)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// ============================================
	// BACKENDS
	// ============================================
	var factory appserver.TransportFactory
	if cfg.Backends.Codex.WebSocketURL != "" {
		wsCfg := appserver.WSConfig{
			URL:              cfg.Backends.Codex.WebSocketURL,
			MaxMessageSizeKB: int64(cfg.Backends.Codex.WebSocketMaxSizeKB),
		}
		factory = func(appserver.StartupConfig) (appserver.Transport, error) {
			return appserver.NewWSTransport(context.Background(), wsCfg, log)
		}
	}
	appServerPool := appserver.NewPool(cfg.AppServer, factory, log)
	appServerPool.Start()

	registry := backend.NewRegistry()
	registry.Register(claude.NewProvider(cfg.Backends.Claude, log))
	registry.Register(codexsrv.NewProvider(cfg.Backends.Codex, appServerPool, log))

	agents := agentmgr.New(registry, cfg.Pool, cfg.Orchestrator.QueryTimeoutDuration(), log)

	// ============================================
	// STREAMING
	// ============================================
	broadcaster := streaming.NewBroadcaster(cfg.Streaming.QueueCapacity, log)
	bridge, err := streaming.NewBridge(providedBus.Bus, broadcaster, log)
	if err != nil {
		log.Fatal("failed to start sse bridge", zap.Error(err))
	}
	sseHandler := streaming.NewHandler(broadcaster, agents, cfg.Streaming.KeepAliveDuration(), log)
	tickets := streaming.NewTicketIssuer(cfg.Streaming.TicketSecret, cfg.Streaming.TicketTTLDuration())

	// ============================================
	// ORCHESTRATION
	// ============================================
	personas := persona.NewLoader(cfg.Persona.Dir)
	defaultKind := backend.KindClaude
	if cfg.Backends.Default == string(backend.KindCodex) {
		defaultKind = backend.KindCodex
	}
	orch := orchestrator.New(st, agents, broadcaster, providedBus.Bus, personas,
		cfg.Orchestrator, defaultKind, nil, log)

	sched := scheduler.New(st, orch, cfg.Scheduler, log)
	if err := sched.Start(); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "parlor"})
	})
	httpapi.Register(router, st, orch, sseHandler, tickets, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down parlor")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sched.Stop(); err != nil {
		log.Error("scheduler stop error", zap.Error(err))
	}
	orch.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	broadcaster.Shutdown()
	if err := bridge.Close(); err != nil {
		log.Error("sse bridge close error", zap.Error(err))
	}

	agents.Shutdown(shutdownCtx)
	appServerPool.Shutdown(shutdownCtx)

	log.Info("parlor stopped")
}

// corsMiddleware allows browser frontends on other origins to reach the
// API and the SSE stream.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
