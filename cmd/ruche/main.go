// Ruche server: HTTP ingress and admin API, turn scheduler, live event
// streaming and signed webhook delivery in one process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ruche-ai/ruche/pkg/api"
	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/database"
	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/metrics"
	"github.com/ruche-ai/ruche/pkg/pipeline"
	"github.com/ruche-ai/ruche/pkg/scenario"
	"github.com/ruche-ai/ruche/pkg/scheduler"
	"github.com/ruche-ai/ruche/pkg/services"
	"github.com/ruche-ai/ruche/pkg/store/postgres"
	"github.com/ruche-ai/ruche/pkg/toolbox"
	"github.com/ruche-ai/ruche/pkg/webhooks"
)

// embedderDim is the dimensionality of the built-in hashing embedder used
// when no external embedding provider is configured.
const embedderDim = 256

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting ruche",
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded", "tenants", stats.Tenants, "scenarios", stats.Scenarios)

	// 2. Database (applies migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Stores
	pool := dbClient.Pool()
	sessionStore := postgres.NewSessionStore(pool)
	turnStore := postgres.NewTurnStore(pool)
	auditStore := postgres.NewAuditStore(pool)
	identityStore := postgres.NewIdentityStore(pool)
	subscriptionStore := postgres.NewSubscriptionStore(pool)
	deliveryStore := postgres.NewDeliveryStore(pool)

	// 4. Metrics
	m := metrics.New()

	// 5. Live streaming: publisher, catchup, connection manager, LISTEN loop
	publisher := events.NewPublisher(dbClient.DB())
	connManager := events.NewConnectionManager(
		events.NewStoredEvents(pool), 10*time.Second, m.WSConnections)
	listener := events.NewListener(dbClient.DSN(), connManager)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop()
	connManager.SetListener(listener)

	// 6. Event router with the webhook dispatcher as async sink
	dispatcher := webhooks.NewDispatcher(subscriptionStore, deliveryStore, nil)
	router := events.NewRouter(events.RouterOptions{
		Audit:            auditStore,
		Publisher:        publisher,
		Webhooks:         dispatcher,
		Metrics:          m,
		MaxPayloadBytes:  cfg.System.EventMaxPayloadBytes,
		TenantRatePerSec: cfg.System.TenantEmitRatePerSec,
	})
	router.Start(ctx)
	defer router.Stop()
	slog.Info("Event router started")

	// 7. Services
	identityService := services.NewIdentityService(identityStore)
	ingressService := services.NewIngressService(cfg, identityService, sessionStore, turnStore, router)
	sessionService := services.NewSessionService(sessionStore, turnStore, auditStore, router)
	challenger := webhooks.NewHTTPChallenger(cfg.Webhooks, nil)
	subscriptionService := services.NewSubscriptionService(cfg.Webhooks, subscriptionStore, challenger)

	// 8. Toolbox and pipelines
	toolRegistry := toolbox.NewRegistry()
	toolExecutor := toolbox.NewExecutor(toolRegistry, turnStore, router, m)

	pipelines := pipeline.NewRegistry()
	pipelines.Register(pipeline.NewTemplatePipeline())

	capabilities := pipeline.NewCapabilities()
	capabilities.RegisterEmbedder("local", pipeline.NewHashingEmbedder(embedderDim))

	embedder, err := capabilities.Embedder(cfg.Navigator.EmbeddingModel)
	if err != nil {
		slog.Error("Failed to resolve navigator embedder", "error", err)
		os.Exit(1)
	}
	navigator := scenario.NewNavigator(cfg.Navigator, embedder, nil, nil)

	// 9. Turn scheduler
	sched := scheduler.New(scheduler.Options{
		Config:    cfg,
		PodID:     podID,
		Sessions:  sessionStore,
		Turns:     turnStore,
		Router:    router,
		Pipelines: pipelines,
		Tools:     toolExecutor,
		Navigator: navigator,
		Metrics:   m,
	})
	if err := sched.Start(ctx); err != nil {
		slog.Error("Failed to start turn scheduler", "error", err)
		os.Exit(1)
	}

	// 10. Webhook delivery pool
	deliveryPool := webhooks.NewDeliveryPool(webhooks.PoolOptions{
		Config:     cfg.Webhooks,
		Subs:       subscriptionStore,
		Deliveries: deliveryStore,
		Router:     router,
		Metrics:    m,
		PodID:      podID,
	})
	deliveryPool.Start(ctx)

	// 11. HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, dbClient, ingressService, sessionService,
		subscriptionService, connManager, m)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Ruche started successfully",
		"pod_id", podID,
		"workers", cfg.ACF.Scheduler.WorkerCount)

	// 12. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown: webhook pool first, then the scheduler (running
	// turns drain or get orphan-recovered), then the HTTP server.
	deliveryPool.Stop()
	slog.Info("Webhook delivery pool stopped")

	schedCtx, schedCancel := context.WithTimeout(ctx, cfg.ACF.Scheduler.GracefulShutdownTimeout)
	defer schedCancel()
	if err := sched.Stop(schedCtx); err != nil {
		slog.Warn("Scheduler shutdown incomplete, running turns will be orphan-recovered", "error", err)
	} else {
		slog.Info("Turn scheduler stopped gracefully")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
