package api

import (
	"time"

	"github.com/dalston-ai/dalston/pkg/models"
)

// SubmitJobResponse is returned by POST /api/v1/jobs.
type SubmitJobResponse struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

// JobListResponse is returned by GET /api/v1/jobs.
type JobListResponse struct {
	Jobs  []*models.Job `json:"jobs"`
	Count int           `json:"count"`
}

// JobDetailResponse is returned by GET /api/v1/jobs/:id. It embeds the job
// row and the full task breakdown.
type JobDetailResponse struct {
	*models.Job
	Tasks []*models.Task `json:"tasks"`
}

// CancelResponse is returned by POST /api/v1/jobs/:id/cancel.
type CancelResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// RetryResponse is returned by POST /api/v1/jobs/:id/retry.
type RetryResponse struct {
	JobID      string           `json:"job_id"`
	Status     models.JobStatus `json:"status"`
	RetryCount int              `json:"retry_count"`
}

// DeleteResponse is returned by DELETE /api/v1/jobs/:id.
type DeleteResponse struct {
	JobID            string `json:"job_id"`
	ArtifactsDeleted int    `json:"artifacts_deleted"`
}

// EngineInstance is one live instance in an engine listing.
type EngineInstance struct {
	InstanceID    string    `json:"instance_id"`
	Status        string    `json:"status"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// EngineResponse is one logical engine with its live instances.
type EngineResponse struct {
	EngineID  string           `json:"engine_id"`
	Instances []EngineInstance `json:"instances"`
}

// EngineListResponse is returned by GET /api/v1/engines.
type EngineListResponse struct {
	Engines []EngineResponse `json:"engines"`
	Count   int              `json:"count"`
}

// ModelResponse is one catalog entry in a model listing.
type ModelResponse struct {
	ModelID      string   `json:"model_id"`
	Aliases      []string `json:"aliases,omitempty"`
	Runtime      string   `json:"runtime"`
	Capabilities []string `json:"capabilities,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// ModelListResponse is returned by GET /api/v1/models.
type ModelListResponse struct {
	Models []ModelResponse `json:"models"`
	Count  int             `json:"count"`
}

// HealthCheck is one component's probe result inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}
