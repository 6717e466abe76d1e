// Package api exposes the gateway HTTP surface: job submission and lifecycle
// operations, engine and model introspection, and the health probe. Handlers
// validate and translate; every state change flows through the services layer
// and the event bus, so the API stays a thin shell over the same paths the
// orchestrator uses.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/pkg/broker"
	"github.com/dalston-ai/dalston/pkg/config"
	"github.com/dalston-ai/dalston/pkg/database"
	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/registry"
	"github.com/dalston-ai/dalston/pkg/services"
	"github.com/dalston-ai/dalston/pkg/storage"
)

// Server holds the gateway's collaborators and implements all HTTP handlers.
type Server struct {
	cfg       *config.Config
	dbClient  *database.Client
	rdb       *redis.Client
	jobs      *services.JobService
	tasks     *services.TaskService
	registry  *registry.Registry
	store     storage.Store
	publisher *events.Publisher
	counters  *broker.Counters
	guard     *broker.Guard
}

// NewServer creates the API server over its collaborators.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	rdb *redis.Client,
	jobs *services.JobService,
	tasks *services.TaskService,
	reg *registry.Registry,
	store storage.Store,
	publisher *events.Publisher,
	counters *broker.Counters,
	guard *broker.Guard,
) *Server {
	return &Server{
		cfg:       cfg,
		dbClient:  dbClient,
		rdb:       rdb,
		jobs:      jobs,
		tasks:     tasks,
		registry:  reg,
		store:     store,
		publisher: publisher,
		counters:  counters,
		guard:     guard,
	}
}

// Handler builds the gin engine with middleware and the full route table.
func (s *Server) Handler() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), securityHeaders())

	r.GET("/health", s.healthHandler)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/jobs", s.submitJobHandler)
		v1.GET("/jobs", s.listJobsHandler)
		v1.GET("/jobs/:id", s.getJobHandler)
		v1.POST("/jobs/:id/cancel", s.cancelJobHandler)
		v1.POST("/jobs/:id/retry", s.retryJobHandler)
		v1.DELETE("/jobs/:id", s.deleteJobHandler)
		v1.GET("/engines", s.listEnginesHandler)
		v1.GET("/models", s.listModelsHandler)
	}

	return r
}
