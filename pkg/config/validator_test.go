package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validTestConfig assembles a fully-populated configuration that passes
// validation, for tests to break one field at a time.
func validTestConfig() *Config {
	builtin := GetBuiltinConfig()
	return &Config{
		Defaults: &Defaults{
			Model:                 builtin.DefaultModel,
			Language:              "auto",
			TimestampsGranularity: "segment",
			SpeakerDetection:      "none",
		},
		RuntimeByStage: mergeRuntimes(builtin.RuntimeByStage, nil),
		Queue:          DefaultQueueConfig(),
		Events:         DefaultEventsConfig(),
		Registry:       DefaultRegistryConfig(),
		Reconciler:     DefaultReconcilerConfig(),
		Retention:      DefaultRetentionConfig(),
		Jobs:           DefaultJobsConfig(),
		Storage:        &StorageConfig{Backend: StorageBackendMemory},
		API:            &APIConfig{ListenAddr: ":8080"},
		Catalog:        NewCatalogRegistry(mergeModels(builtin.Models, nil)),
	}
}

func TestValidateAllPasses(t *testing.T) {
	cfg := validTestConfig()
	require.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidateModelMissingRuntime(t *testing.T) {
	cfg := validTestConfig()
	cfg.Catalog = NewCatalogRegistry(map[string]*ModelEntry{
		"general": {Runtime: "whisper-ct2"},
		"broken":  {Aliases: []string{"b"}},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
	assert.Contains(t, err.Error(), "broken")
}

func TestValidateAliasCollidesWithModelID(t *testing.T) {
	cfg := validTestConfig()
	cfg.Catalog = NewCatalogRegistry(map[string]*ModelEntry{
		"general": {Runtime: "whisper-ct2"},
		"other":   {Runtime: "conformer-ctc", Aliases: []string{"general"}},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides")
}

func TestValidateDuplicateAlias(t *testing.T) {
	cfg := validTestConfig()
	cfg.Catalog = NewCatalogRegistry(map[string]*ModelEntry{
		"general": {Runtime: "whisper-ct2", Aliases: []string{"fast"}},
		"other":   {Runtime: "conformer-ctc", Aliases: []string{"fast"}},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already claimed")
}

func TestValidateMissingCoreRuntime(t *testing.T) {
	cfg := validTestConfig()
	delete(cfg.RuntimeByStage, "merge")

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
	assert.Contains(t, err.Error(), "merge")
}

func TestValidateDefaultModelMustResolve(t *testing.T) {
	cfg := validTestConfig()
	cfg.Defaults.Model = "not-in-catalog"

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestValidateDefaultGranularity(t *testing.T) {
	cfg := validTestConfig()
	cfg.Defaults.TimestampsGranularity = "sentence"

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestValidateDefaultSpeakerDetection(t *testing.T) {
	cfg := validTestConfig()
	cfg.Defaults.SpeakerDetection = "everyone"

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestValidateStorageBackend(t *testing.T) {
	cfg := validTestConfig()
	cfg.Storage.Backend = "s3"

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestValidateGCSBucketRequired(t *testing.T) {
	cfg := validTestConfig()
	cfg.Storage = &StorageConfig{Backend: StorageBackendGCS}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestValidateRegistryHeartbeatTTL(t *testing.T) {
	cfg := validTestConfig()
	cfg.Registry.HeartbeatTTL = cfg.Registry.HeartbeatInterval * 2

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_ttl")
}

func TestValidateRegistryLivenessWindow(t *testing.T) {
	cfg := validTestConfig()
	cfg.Registry.LivenessWindow = cfg.Registry.HeartbeatTTL * 2

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "liveness_window")
}

func TestValidateReconcilerLeaderTTL(t *testing.T) {
	cfg := validTestConfig()
	cfg.Reconciler.LeaderTTL = cfg.Reconciler.SweepInterval / 2

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader_ttl")
}

func TestValidateQueuePositiveDurations(t *testing.T) {
	cfg := validTestConfig()
	cfg.Queue.IdempotencyTTL = 0

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idempotency_ttl")
}

func TestValidateJobsNonNegative(t *testing.T) {
	cfg := validTestConfig()
	cfg.Jobs.MaxJobRetries = -1

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_job_retries")
}
