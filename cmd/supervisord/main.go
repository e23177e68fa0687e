// Command supervisord is the composition root for the process supervisor:
// it wires the registry, lifecycle controller, event bus, session registry,
// gateway hub/dispatcher, static/health endpoint, and knowledge store
// together and serves them over HTTP/WebSocket until signaled to stop.
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

	"github.com/relaypoint/supervisor/internal/common/config"
	"github.com/relaypoint/supervisor/internal/common/logger"
	"github.com/relaypoint/supervisor/internal/events/bus"
	"github.com/relaypoint/supervisor/internal/gateway/session"
	"github.com/relaypoint/supervisor/internal/gateway/static"
	"github.com/relaypoint/supervisor/internal/gateway/ws"
	"github.com/relaypoint/supervisor/internal/knowledge"
	"github.com/relaypoint/supervisor/internal/process/lifecycle"
	"github.com/relaypoint/supervisor/internal/process/registry"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.Config{
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

	log.Info("starting supervisor")

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS mirror when configured, in-memory otherwise.
	eventBus, closeBus := newEventBus(cfg.Bus, log)
	defer closeBus()

	// 4. Process registry and lifecycle controller
	reg := registry.New()
	lc := lifecycle.New(reg, eventBus, lifecycle.NewExecSpawner(), log, lifecycle.Config{
		RingCapacity:    cfg.Process.RingCapacity,
		StopTimeout:     time.Duration(cfg.Process.StopTimeoutMs) * time.Millisecond,
		ShutdownTimeout: time.Duration(cfg.Process.ShutdownTimeoutMs) * time.Millisecond,
		MaxRestartCount: cfg.Process.MaxRestartCount,
	})

	// 5. Session registry, gateway hub, and dispatcher
	sessions := session.New()
	hub := ws.NewHub(sessions, log, time.Duration(cfg.Gateway.LogBatchWindowMs)*time.Millisecond)
	hub.SubscribeBus(eventBus)
	dispatch := ws.NewDispatcher(reg, lc, sessions, log)

	// 6. Knowledge store
	store, err := knowledge.NewStore(cfg.Knowledge.Root, log)
	if err != nil {
		log.Fatal("failed to open knowledge store", zap.Error(err))
	}
	hub.SubscribeKnowledge(store)

	// 7. HTTP/WebSocket server
	server := ws.NewServer(hub, sessions, dispatch, cfg.Server.MaxConnections, log)
	staticHandler := static.NewHandler(cfg.Gateway.StaticRoot, server)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", staticHandler.Health)
	router.GET(cfg.Server.WSPath, server.HandleUpgrade)
	router.NoRoute(staticHandler.NoRoute)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down supervisor")
	cancel()

	shutdownTimeout := time.Duration(cfg.Process.ShutdownTimeoutMs) * time.Millisecond
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	server.Shutdown(shutdownCtx, shutdownTimeout)

	if err := lc.Shutdown(shutdownCtx, shutdownTimeout); err != nil {
		log.Error("lifecycle shutdown error", zap.Error(err))
	}

	log.Info("supervisor stopped")
}

// newEventBus selects the NATS-mirrored bus when cfg.NATSURL is set,
// falling back to the in-memory bus otherwise. The returned close func is
// always safe to call.
func newEventBus(cfg config.BusConfig, log *logger.Logger) (bus.Bus, func()) {
	if cfg.NATSURL == "" {
		return bus.NewMemoryBus(log), func() {}
	}

	natsBus, err := bus.NewNATSBus(bus.NATSConfig{URL: cfg.NATSURL}, log)
	if err != nil {
		log.Error("failed to connect to NATS, falling back to in-memory bus", zap.Error(err))
		return bus.NewMemoryBus(log), func() {}
	}
	log.Info("connected to NATS event bus", zap.String("url", cfg.NATSURL))
	return natsBus, func() { natsBus.Close() }
}
