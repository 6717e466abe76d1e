// Package models contains the persisted domain types and the artifact
// shapes shared between the gateway, the orchestrator and the engines.
package models

import "time"

// JobStatus is the lifecycle state of a transcription job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing: once a job reaches a
// terminal status it never transitions again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// RetentionMode controls what happens to a job's data after completion.
type RetentionMode string

const (
	RetentionAutoDelete RetentionMode = "auto_delete"
	RetentionKeep       RetentionMode = "keep"
	RetentionNone       RetentionMode = "none"
)

// AudioMetadata describes the source audio as probed by the gateway.
type AudioMetadata struct {
	Format          string  `json:"format,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Channels        int     `json:"channels,omitempty"`
	BitDepth        int     `json:"bit_depth,omitempty"`
}

// ResultSummary holds the headline stats extracted from the merge output
// when a job completes.
type ResultSummary struct {
	LanguageCode   string `json:"language_code,omitempty"`
	WordCount      int    `json:"word_count"`
	SegmentCount   int    `json:"segment_count"`
	SpeakerCount   int    `json:"speaker_count"`
	CharacterCount int    `json:"character_count"`
}

// Job is a persisted transcription job. One job owns a DAG of tasks.
type Job struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Status         JobStatus      `json:"status"`
	AudioURI       string         `json:"audio_uri"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Audio          AudioMetadata  `json:"audio"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Error          *string        `json:"error,omitempty"`
	RetentionMode  RetentionMode  `json:"retention_mode"`
	RetentionHours int            `json:"retention_hours,omitempty"`
	PurgeAfter     *time.Time     `json:"purge_after,omitempty"`
	RetryCount     int            `json:"retry_count"`
	Result         *ResultSummary `json:"result,omitempty"`
}

// CreateJobRequest contains fields for creating a new job.
type CreateJobRequest struct {
	TenantID       string         `json:"tenant_id"`
	AudioURI       string         `json:"audio_uri"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Audio          AudioMetadata  `json:"audio"`
	RetentionMode  RetentionMode  `json:"retention_mode,omitempty"`
	RetentionHours int            `json:"retention_hours,omitempty"`
}

// JobFilters contains filtering options for listing jobs.
type JobFilters struct {
	TenantID string    `json:"tenant_id,omitempty"`
	Status   JobStatus `json:"status,omitempty"`
	Limit    int       `json:"limit,omitempty"`
	Offset   int       `json:"offset,omitempty"`
}
