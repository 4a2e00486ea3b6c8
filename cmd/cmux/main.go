// Package main is the cmux server entry point. A single binary hosts the
// workspace lifecycle, the agent sessions, and both client transports
// (IPC over HTTP and the WebSocket event stream).
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

	"github.com/cmux/cmux/internal/common/config"
	"github.com/cmux/cmux/internal/common/httpmw"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/common/tracing"
	"github.com/cmux/cmux/internal/events/bus"
	"github.com/cmux/cmux/internal/gateway/ipc"
	gatewayws "github.com/cmux/cmux/internal/gateway/websocket"
	"github.com/cmux/cmux/internal/runtime"
	"github.com/cmux/cmux/internal/session"
	"github.com/cmux/cmux/internal/workspace"

	apperrors "github.com/cmux/cmux/internal/common/errors"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting cmux server...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 5. Persistent state: workspace registry and session stores
	store, err := workspace.NewConfigStore(cfg.State.ConfigHome, log)
	if err != nil {
		log.Fatal("Failed to open config store",
			zap.String("config_home", cfg.State.ConfigHome),
			zap.Error(err))
	}

	history, err := session.NewHistoryStore(cfg.State.SessionDir, log)
	if err != nil {
		log.Fatal("Failed to open session store",
			zap.String("session_dir", cfg.State.SessionDir),
			zap.Error(err))
	}
	partials := session.NewPartialStore(cfg.State.SessionDir, history, log)

	// 6. Agent sessions
	resolve := func(workspaceID string) (string, error) {
		ws, err := store.FindWorkspace(workspaceID)
		if err != nil {
			return "", err
		}
		if ws == nil {
			return "", apperrors.NotFound("workspace", workspaceID)
		}
		return ws.Path, nil
	}
	provider := &session.EchoProvider{}
	sessions := session.NewManager(history, partials, eventBus, provider, resolve, log)

	// 7. Workspace lifecycle
	local := runtime.NewLocalRuntime(log)
	lifecycle := workspace.NewLifecycle(store, sessions, eventBus, local, log)

	// 8. Client transports: WebSocket hub and IPC handlers
	hub := gatewayws.NewHub(eventBus, sessions, store, log)
	if err := hub.Start(ctx); err != nil {
		log.Fatal("Failed to start WebSocket hub", zap.Error(err))
	}
	wsHandler := gatewayws.NewHandler(hub, cfg.Server.AuthToken, log)
	ipcHandlers := ipc.NewHandlers(lifecycle, store, sessions, log)

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "cmux"))
	router.Use(httpmw.OtelTracing("cmux"))

	router.GET("/ws", wsHandler.HandleConnection)
	ipcHandlers.Register(router, cfg.Server.AuthToken)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "cmux",
			"bus":     eventBus.IsConnected(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("cmux server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("ipc", "/ipc/:channel"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down cmux...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	hub.Stop()

	// Interrupt every live stream so partial turns land in the session
	// store before exit.
	sessions.StopAll(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("cmux stopped")
}
