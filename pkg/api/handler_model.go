package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listModelsHandler handles GET /api/v1/models.
// Lists the model catalog: every user-facing model id a submission may name
// in parameters, with the runtime engine it resolves to.
func (s *Server) listModelsHandler(c *gin.Context) {
	entries := s.cfg.Catalog.GetAll()

	models := make([]ModelResponse, 0, len(entries))
	for _, id := range s.cfg.Catalog.ModelIDs() {
		entry := entries[id]
		models = append(models, ModelResponse{
			ModelID:      id,
			Aliases:      entry.Aliases,
			Runtime:      entry.Runtime,
			Capabilities: entry.Capabilities,
			Description:  entry.Description,
		})
	}

	c.JSON(http.StatusOK, &ModelListResponse{Models: models, Count: len(models)})
}
