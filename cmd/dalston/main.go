// Dalston orchestrator server: provides the gateway HTTP API, consumes the
// durable event stream, and runs the reconciler and retention sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dalston-ai/dalston/pkg/api"
	"github.com/dalston-ai/dalston/pkg/broker"
	"github.com/dalston-ai/dalston/pkg/cleanup"
	"github.com/dalston-ai/dalston/pkg/config"
	"github.com/dalston-ai/dalston/pkg/database"
	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/orchestrator"
	"github.com/dalston-ai/dalston/pkg/queue"
	"github.com/dalston-ai/dalston/pkg/reconciler"
	"github.com/dalston-ai/dalston/pkg/registry"
	"github.com/dalston-ai/dalston/pkg/services"
	"github.com/dalston-ai/dalston/pkg/storage"
	"github.com/dalston-ai/dalston/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveInstanceID determines this process's identity for multi-replica
// coordination: the durable-stream consumer name and log correlation.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolveInstanceID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// newStore builds the artifact store named by configuration.
func newStore(ctx context.Context, cfg *config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.StorageBackendMemory:
		return storage.NewMemoryStore(), nil
	default:
		return storage.NewGCSStore(ctx, cfg)
	}
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	instanceID := resolveInstanceID()

	slog.Info("Starting dalston",
		"version", version.Full(),
		"instance_id", instanceID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database
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

	// 3. Connect to the broker
	brokerConfig, err := broker.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load broker config", "error", err)
		os.Exit(1)
	}

	rdb, err := broker.NewClient(ctx, brokerConfig)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing broker client", "error", err)
		}
	}()
	slog.Info("Connected to Redis broker", "addr", brokerConfig.Addr)

	// 4. Initialize the artifact store
	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize artifact store", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	slog.Info("Artifact store initialized", "backend", cfg.Storage.Backend)

	// 5. Initialize domain services and broker primitives
	jobService := services.NewJobService(dbClient.DB())
	taskService := services.NewTaskService(dbClient.DB())
	dispatchQueue := queue.NewQueue(rdb, cfg.Queue)
	engineRegistry := registry.NewRegistry(rdb, cfg.Registry)
	publisher := events.NewPublisher(rdb, cfg.Events)
	counters := broker.NewCounters(rdb)
	guard := broker.NewGuard(rdb)
	slog.Info("Services initialized")

	// 6. Start the durable event consumer (the orchestrator core)
	orch := orchestrator.NewOrchestrator(
		cfg, jobService, taskService, dispatchQueue,
		engineRegistry, store, publisher, guard, counters,
	)
	consumer := events.NewConsumer(rdb, cfg.Events, orch, instanceID)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("Failed to start event consumer", "error", err)
		os.Exit(1)
	}

	// 7. Start the reconciler and retention sweeper
	sweeper := reconciler.NewService(
		cfg, taskService, dispatchQueue, engineRegistry, store, publisher, rdb,
	)
	sweeper.Start(ctx)

	retention := cleanup.NewService(cfg.Retention, jobService, store)
	retention.Start(ctx)

	// 8. Start HTTP server (non-blocking)
	apiServer := api.NewServer(
		cfg, dbClient, rdb, jobService, taskService,
		engineRegistry, store, publisher, counters, guard,
	)
	httpServer := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	stats := cfg.Stats()
	slog.Info("Dalston started successfully",
		"instance_id", instanceID,
		"models", stats.Models,
		"runtimes", stats.Runtimes)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop intake first, then the background loops.
	// Unacknowledged stream entries and queue messages survive the process,
	// so anything cut off mid-flight is redelivered after restart.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	consumer.Stop()
	retention.Stop()
	sweeper.Stop()

	slog.Info("Shutdown complete")
}
