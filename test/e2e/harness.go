// Package e2e boots a complete dalston instance in one process and exercises
// it through its public surfaces: the gateway HTTP API, the stage streams and
// the durable event stream. Engines are real runner instances driven by
// scripted executors; PostgreSQL and Redis come from test/util.
package e2e

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

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
	"github.com/dalston-ai/dalston/test/util"
)

// TestApp boots a complete dalston instance for e2e testing.
type TestApp struct {
	// Core
	Config   *config.Config
	DBClient *database.Client

	// Infrastructure
	Mini  *miniredis.Miniredis
	Redis *redis.Client
	Store *storage.MemoryStore

	// Domain collaborators
	Jobs      *services.JobService
	Tasks     *services.TaskService
	Queue     *queue.Queue
	Registry  *registry.Registry
	Publisher *events.Publisher
	Counters  *broker.Counters
	Guard     *broker.Guard

	// Processing plane
	Orchestrator *orchestrator.Orchestrator
	Consumer     *events.Consumer
	Reconciler   *reconciler.Service
	Retention    *cleanup.Service
	Server       *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg        *config.Config
	instanceID string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithInstanceID overrides the orchestrator's durable-stream consumer
// identity. Tests that restart the orchestrator set it so the second life
// drains the entries the first one left pending.
func WithInstanceID(id string) TestAppOption {
	return func(c *testAppConfig) { c.instanceID = id }
}

// NewTestApp creates and starts a full dalston test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig()
	}
	if tc.instanceID == "" {
		tc.instanceID = registry.NewInstanceID("orchestrator")
	}

	ctx := context.Background()

	// 1. Backing stores: migrated per-test PostgreSQL schema, in-process
	// Redis, in-memory artifact store.
	dbClient := util.SetupTestDatabase(t)
	mr, rdb := util.SetupTestRedis(t)
	store := storage.NewMemoryStore()

	// 2. Domain services and broker primitives.
	jobService := services.NewJobService(dbClient.DB())
	taskService := services.NewTaskService(dbClient.DB())
	dispatchQueue := queue.NewQueue(rdb, tc.cfg.Queue)
	engineRegistry := registry.NewRegistry(rdb, tc.cfg.Registry)
	publisher := events.NewPublisher(rdb, tc.cfg.Events)
	counters := broker.NewCounters(rdb)
	guard := broker.NewGuard(rdb)

	// 3. Orchestrator behind the durable event consumer.
	orch := orchestrator.NewOrchestrator(tc.cfg, jobService, taskService,
		dispatchQueue, engineRegistry, store, publisher, guard, counters)
	consumer := events.NewConsumer(rdb, tc.cfg.Events, orch, tc.instanceID)
	require.NoError(t, consumer.Start(ctx))

	// 4. Background loops. The intervals are hours long so only the boot
	// tick runs; tests that need a sweep call app.Sweep directly.
	sweeper := reconciler.NewService(tc.cfg, taskService, dispatchQueue,
		engineRegistry, store, publisher, rdb)
	sweeper.Start(ctx)
	retention := cleanup.NewService(tc.cfg.Retention, jobService, store)
	retention.Start(ctx)

	// 5. Gateway HTTP API on a random port.
	server := api.NewServer(tc.cfg, dbClient, rdb, jobService, taskService,
		engineRegistry, store, publisher, counters, guard)
	httpServer := &http.Server{Handler: server.Handler()}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = httpServer.Serve(ln) }()

	app := &TestApp{
		Config:       tc.cfg,
		DBClient:     dbClient,
		Mini:         mr,
		Redis:        rdb,
		Store:        store,
		Jobs:         jobService,
		Tasks:        taskService,
		Queue:        dispatchQueue,
		Registry:     engineRegistry,
		Publisher:    publisher,
		Counters:     counters,
		Guard:        guard,
		Orchestrator: orch,
		Consumer:     consumer,
		Reconciler:   sweeper,
		Retention:    retention,
		Server:       server,
		BaseURL:      fmt.Sprintf("http://%s", ln.Addr()),
		t:            t,
	}

	// Shutdown in reverse-creation order. The schema drop and Redis close
	// registered inside test/util run after these.
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		consumer.Stop()
		retention.Stop()
		sweeper.Stop()
	})

	return app
}

// defaultTestConfig mirrors the production defaults where timing does not
// matter and tightens the knobs that do: short blocking reads so shutdown is
// fast, and background intervals long enough that tests control every sweep.
func defaultTestConfig() *config.Config {
	return &config.Config{
		Defaults: &config.Defaults{
			Model:                 "general",
			Language:              "auto",
			TimestampsGranularity: "segment",
			SpeakerDetection:      "none",
		},
		RuntimeByStage: config.GetBuiltinConfig().RuntimeByStage,
		Queue: &config.QueueConfig{
			StreamMaxLen:    1000,
			ReadBlock:       50 * time.Millisecond,
			TaskTimeout:     30 * time.Minute,
			IdempotencyTTL:  2 * time.Hour,
			CancelMarkerTTL: time.Hour,
		},
		Events: &config.EventsConfig{
			StreamMaxLen:   1000,
			ReadBlock:      50 * time.Millisecond,
			HandlerTimeout: 10 * time.Second,
		},
		Registry: config.DefaultRegistryConfig(),
		Reconciler: &config.ReconcilerConfig{
			SweepInterval:   time.Hour,
			StaleThreshold:  10 * time.Minute,
			OrphanThreshold: 10 * time.Minute,
			LeaderTTL:       time.Hour,
		},
		Retention: &config.RetentionConfig{
			DefaultRetentionHours: 720,
			PurgeInterval:         time.Hour,
			PurgeBatch:            50,
		},
		Jobs: &config.JobsConfig{
			MaxJobRetries:          3,
			TaskMaxRetries:         2,
			MaxActiveJobsPerTenant: 10,
		},
		Storage: &config.StorageConfig{Backend: "memory"},
		API:     &config.APIConfig{ListenAddr: "127.0.0.1:0"},
		Catalog: config.NewCatalogRegistry(map[string]*config.ModelEntry{
			"general": {
				Aliases:        []string{"default"},
				Runtime:        "whisper-ct2",
				RuntimeModelID: "large-v3",
			},
		}),
	}
}
