package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dalston-ai/dalston/pkg/database"
	"github.com/dalston-ai/dalston/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Only dalston's own stores are checked. The database is authoritative, so
// losing it is unhealthy; a broker outage degrades dispatch but reads keep
// working, and reporting degraded instead of unhealthy keeps the scheduler
// from restarting the process while Redis recovers.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if err := s.rdb.Ping(reqCtx).Err(); err != nil {
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
		checks["broker"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
	} else {
		checks["broker"] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
