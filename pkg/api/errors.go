package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dalston-ai/dalston/pkg/services"
)

// errorResponse is the uniform error body for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error body with the given status.
func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, errorResponse{Error: message})
}

// writeServiceError maps service-layer errors to HTTP error responses.
func writeServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		writeError(c, http.StatusBadRequest, validErr.Error())
		return
	}
	if errors.Is(err, services.ErrNotFound) {
		writeError(c, http.StatusNotFound, "resource not found")
		return
	}
	if errors.Is(err, services.ErrInvalidTransition) {
		writeError(c, http.StatusConflict, "job is not in a state that permits this operation")
		return
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		writeError(c, http.StatusConflict, "resource already exists")
		return
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	writeError(c, http.StatusInternalServerError, "internal server error")
}
