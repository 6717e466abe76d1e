package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listEnginesHandler handles GET /api/v1/engines.
// Lists every known logical engine with its live instances. Instances whose
// heartbeat expired do not appear; an engine with no live instances still
// lists with an empty slice, which is what "registered but down" looks like.
func (s *Server) listEnginesHandler(c *gin.Context) {
	ctx := c.Request.Context()

	engineIDs, err := s.registry.ListEngines(ctx)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	engines := make([]EngineResponse, 0, len(engineIDs))
	for _, engineID := range engineIDs {
		instances, err := s.registry.ListInstances(ctx, engineID)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		resp := EngineResponse{EngineID: engineID, Instances: make([]EngineInstance, 0, len(instances))}
		for _, inst := range instances {
			resp.Instances = append(resp.Instances, EngineInstance{
				InstanceID:    inst.InstanceID,
				Status:        inst.Status,
				Capabilities:  inst.Capabilities,
				LastHeartbeat: inst.LastHeartbeat,
			})
		}
		engines = append(engines, resp)
	}

	c.JSON(http.StatusOK, &EngineListResponse{Engines: engines, Count: len(engines)})
}
