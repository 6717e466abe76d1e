package config

import (
	"fmt"

	"github.com/dalston-ai/dalston/pkg/models"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: catalog → runtimes → defaults → subsystems
	// This ensures dependencies are validated before dependents

	if err := v.validateModels(); err != nil {
		return fmt.Errorf("catalog validation failed: %w", err)
	}

	if err := v.validateRuntimes(); err != nil {
		return fmt.Errorf("runtime mapping validation failed: %w", err)
	}

	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	if err := v.validateStorage(); err != nil {
		return fmt.Errorf("storage validation failed: %w", err)
	}

	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}

	if err := v.validateRegistry(); err != nil {
		return fmt.Errorf("registry validation failed: %w", err)
	}

	if err := v.validateReconciler(); err != nil {
		return fmt.Errorf("reconciler validation failed: %w", err)
	}

	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}

	if err := v.validateJobs(); err != nil {
		return fmt.Errorf("jobs validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateModels() error {
	all := v.cfg.Catalog.GetAll()
	aliasOwner := make(map[string]string)

	for id, entry := range all {
		if entry.Runtime == "" {
			return NewValidationError("model", id, "runtime", ErrMissingRequiredField)
		}

		for _, alias := range entry.Aliases {
			// An alias shadowing a canonical id would make resolution ambiguous
			if _, exists := all[alias]; exists {
				return NewValidationError("model", id, "aliases", fmt.Errorf("alias '%s' collides with a model id", alias))
			}
			if owner, exists := aliasOwner[alias]; exists && owner != id {
				return NewValidationError("model", id, "aliases", fmt.Errorf("alias '%s' already claimed by model '%s'", alias, owner))
			}
			aliasOwner[alias] = id
		}
	}

	return nil
}

func (v *ConfigValidator) validateRuntimes() error {
	// Every core stage needs an engine to fall back to; per-channel variants
	// resolve through their base stage so only base stages are required here.
	required := []string{
		models.StagePrepare,
		models.StageTranscribe,
		models.StageAlign,
		models.StageDiarize,
		models.StageMerge,
	}

	for _, stage := range required {
		if v.cfg.RuntimeByStage[stage] == "" {
			return NewValidationError("runtime", stage, "", ErrMissingRequiredField)
		}
	}

	for stage, engineID := range v.cfg.RuntimeByStage {
		if engineID == "" {
			return NewValidationError("runtime", stage, "", fmt.Errorf("empty engine id"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateDefaults() error {
	d := v.cfg.Defaults

	if !v.cfg.Catalog.Has(d.Model) {
		return NewValidationError("defaults", "model", "", fmt.Errorf("%w: %s", ErrModelNotFound, d.Model))
	}

	switch d.TimestampsGranularity {
	case "word", "segment", "none":
	default:
		return NewValidationError("defaults", "timestamps_granularity", "", fmt.Errorf("%w: %s", ErrInvalidValue, d.TimestampsGranularity))
	}

	switch d.SpeakerDetection {
	case "none", "diarize", "per_channel":
	default:
		return NewValidationError("defaults", "speaker_detection", "", fmt.Errorf("%w: %s", ErrInvalidValue, d.SpeakerDetection))
	}

	return nil
}

func (v *ConfigValidator) validateStorage() error {
	s := v.cfg.Storage

	switch s.Backend {
	case StorageBackendGCS:
		if s.Bucket == "" {
			return NewValidationError("storage", s.Backend, "bucket", ErrMissingRequiredField)
		}
	case StorageBackendMemory:
		// No further requirements; used for tests and local development
	default:
		return NewValidationError("storage", s.Backend, "backend", fmt.Errorf("%w: %s", ErrInvalidValue, s.Backend))
	}

	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue

	if q.StreamMaxLen <= 0 {
		return NewValidationError("queue", "stream_maxlen", "", fmt.Errorf("must be positive"))
	}
	if q.ReadBlock <= 0 {
		return NewValidationError("queue", "read_block", "", fmt.Errorf("must be positive"))
	}
	if q.TaskTimeout <= 0 {
		return NewValidationError("queue", "task_timeout", "", fmt.Errorf("must be positive"))
	}
	if q.IdempotencyTTL <= 0 {
		return NewValidationError("queue", "idempotency_ttl", "", fmt.Errorf("must be positive"))
	}
	if q.CancelMarkerTTL <= 0 {
		return NewValidationError("queue", "cancel_marker_ttl", "", fmt.Errorf("must be positive"))
	}

	return nil
}

func (v *ConfigValidator) validateRegistry() error {
	r := v.cfg.Registry

	if r.HeartbeatInterval <= 0 {
		return NewValidationError("registry", "heartbeat_interval", "", fmt.Errorf("must be positive"))
	}
	// A single missed beat must not expire the record
	if r.HeartbeatTTL < 3*r.HeartbeatInterval {
		return NewValidationError("registry", "heartbeat_ttl", "",
			fmt.Errorf("must be at least 3x heartbeat_interval (%s)", r.HeartbeatInterval))
	}
	if r.LivenessWindow <= r.HeartbeatInterval {
		return NewValidationError("registry", "liveness_window", "",
			fmt.Errorf("must exceed heartbeat_interval (%s)", r.HeartbeatInterval))
	}
	if r.LivenessWindow > r.HeartbeatTTL {
		return NewValidationError("registry", "liveness_window", "",
			fmt.Errorf("must not exceed heartbeat_ttl (%s)", r.HeartbeatTTL))
	}

	return nil
}

func (v *ConfigValidator) validateReconciler() error {
	r := v.cfg.Reconciler

	if r.SweepInterval <= 0 {
		return NewValidationError("reconciler", "sweep_interval", "", fmt.Errorf("must be positive"))
	}
	if r.StaleThreshold <= 0 {
		return NewValidationError("reconciler", "stale_threshold", "", fmt.Errorf("must be positive"))
	}
	if r.OrphanThreshold <= 0 {
		return NewValidationError("reconciler", "orphan_threshold", "", fmt.Errorf("must be positive"))
	}
	// The lock must survive the gap between sweeps or leadership flaps
	if r.LeaderTTL <= r.SweepInterval {
		return NewValidationError("reconciler", "leader_ttl", "",
			fmt.Errorf("must exceed sweep_interval (%s)", r.SweepInterval))
	}

	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention

	if r.DefaultRetentionHours <= 0 {
		return NewValidationError("retention", "default_retention_hours", "", fmt.Errorf("must be positive"))
	}
	if r.PurgeInterval <= 0 {
		return NewValidationError("retention", "purge_interval", "", fmt.Errorf("must be positive"))
	}
	if r.PurgeBatch <= 0 {
		return NewValidationError("retention", "purge_batch", "", fmt.Errorf("must be positive"))
	}

	return nil
}

func (v *ConfigValidator) validateJobs() error {
	j := v.cfg.Jobs

	if j.MaxJobRetries < 0 {
		return NewValidationError("jobs", "max_job_retries", "", fmt.Errorf("must not be negative"))
	}
	if j.TaskMaxRetries < 0 {
		return NewValidationError("jobs", "task_max_retries", "", fmt.Errorf("must not be negative"))
	}
	if j.MaxActiveJobsPerTenant < 0 {
		return NewValidationError("jobs", "max_active_jobs_per_tenant", "", fmt.Errorf("must not be negative"))
	}

	return nil
}
