package api

import "github.com/dalston-ai/dalston/pkg/models"

// SubmitJobRequest is the HTTP request body for POST /api/v1/jobs.
type SubmitJobRequest struct {
	TenantID       string               `json:"tenant_id"`
	AudioURI       string               `json:"audio_uri"`
	Parameters     map[string]any       `json:"parameters,omitempty"`
	Audio          models.AudioMetadata `json:"audio,omitempty"`
	RetentionMode  models.RetentionMode `json:"retention_mode,omitempty"`
	RetentionHours int                  `json:"retention_hours,omitempty"`
}
