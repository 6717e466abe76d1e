package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DalstonYAMLConfig represents the complete dalston.yaml file structure
type DalstonYAMLConfig struct {
	System     *SystemYAMLConfig     `yaml:"system"`
	Defaults   *Defaults             `yaml:"defaults"`
	Models     map[string]ModelEntry `yaml:"models"`
	Runtimes   map[string]string     `yaml:"runtimes"`
	Queue      *QueueConfig          `yaml:"queue"`
	Events     *EventsConfig         `yaml:"events"`
	Registry   *RegistryConfig       `yaml:"registry"`
	Reconciler *ReconcilerConfig     `yaml:"reconciler"`
	Jobs       *JobsConfig           `yaml:"jobs"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	ListenAddr string             `yaml:"listen_addr"`
	Storage    *StorageYAMLConfig `yaml:"storage"`
	Retention  *RetentionConfig   `yaml:"retention"`
}

// StorageYAMLConfig holds artifact storage settings from YAML.
type StorageYAMLConfig struct {
	Backend string `yaml:"backend,omitempty"` // Defaults to "gcs" if omitted
	Bucket  string `yaml:"bucket,omitempty"`
	Prefix  string `yaml:"prefix,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load dalston.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in + user-defined catalog entries and runtime mappings
//  5. Merge subsystem configs over built-in defaults
//  6. Build the catalog registry
//  7. Validate all configuration
//  8. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	// 1. Load configuration files
	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"models", stats.Models,
		"runtimes", stats.Runtimes,
		"storage_backend", cfg.Storage.Backend)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load dalston.yaml (contains models, runtimes, defaults, subsystem sections)
	dalstonConfig, err := loader.loadDalstonYAML()
	if err != nil {
		return nil, NewLoadError("dalston.yaml", err)
	}

	// 2. Get built-in configuration
	builtin := GetBuiltinConfig()

	// 3. Merge built-in + user-defined components (user overrides built-in)
	catalogModels := mergeModels(builtin.Models, dalstonConfig.Models)
	runtimes := mergeRuntimes(builtin.RuntimeByStage, dalstonConfig.Runtimes)

	// 4. Build the catalog registry
	catalog := NewCatalogRegistry(catalogModels)

	// 5. Resolve defaults (YAML overrides built-in)
	defaults := dalstonConfig.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}
	if defaults.Model == "" {
		defaults.Model = builtin.DefaultModel
	}
	if defaults.Language == "" {
		defaults.Language = builtin.DefaultLanguage
	}
	if defaults.TimestampsGranularity == "" {
		defaults.TimestampsGranularity = "segment"
	}
	if defaults.SpeakerDetection == "" {
		defaults.SpeakerDetection = "none"
	}

	// 6. Resolve subsystem configs (merge user YAML over built-in defaults)
	// Start with defaults, then merge user config on top to preserve unset values
	queueConfig := DefaultQueueConfig()
	if dalstonConfig.Queue != nil {
		if err := mergo.Merge(queueConfig, dalstonConfig.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}
	eventsConfig := DefaultEventsConfig()
	if dalstonConfig.Events != nil {
		if err := mergo.Merge(eventsConfig, dalstonConfig.Events, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge events config: %w", err)
		}
	}
	registryConfig := DefaultRegistryConfig()
	if dalstonConfig.Registry != nil {
		if err := mergo.Merge(registryConfig, dalstonConfig.Registry, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge registry config: %w", err)
		}
	}
	reconcilerConfig := DefaultReconcilerConfig()
	if dalstonConfig.Reconciler != nil {
		if err := mergo.Merge(reconcilerConfig, dalstonConfig.Reconciler, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge reconciler config: %w", err)
		}
	}
	jobsConfig := DefaultJobsConfig()
	if dalstonConfig.Jobs != nil {
		if err := mergo.Merge(jobsConfig, dalstonConfig.Jobs, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge jobs config: %w", err)
		}
	}

	// 7. Resolve system config (storage + retention + listen address)
	storageCfg := resolveStorageConfig(dalstonConfig.System)
	retentionCfg := resolveRetentionConfig(dalstonConfig.System)
	apiCfg := resolveAPIConfig(dalstonConfig.System)

	return &Config{
		configDir:      configDir,
		Defaults:       defaults,
		RuntimeByStage: runtimes,
		Queue:          queueConfig,
		Events:         eventsConfig,
		Registry:       registryConfig,
		Reconciler:     reconcilerConfig,
		Retention:      retentionCfg,
		Jobs:           jobsConfig,
		Storage:        storageCfg,
		API:            apiCfg,
		Catalog:        catalog,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadDalstonYAML() (*DalstonYAMLConfig, error) {
	var config DalstonYAMLConfig

	// Initialize maps to avoid nil maps
	config.Models = make(map[string]ModelEntry)
	config.Runtimes = make(map[string]string)

	if err := l.loadYAML("dalston.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// resolveStorageConfig resolves storage configuration from system YAML, applying defaults.
func resolveStorageConfig(sys *SystemYAMLConfig) *StorageConfig {
	cfg := &StorageConfig{
		Backend: StorageBackendGCS,
	}

	if sys == nil || sys.Storage == nil {
		return cfg
	}

	s := sys.Storage
	if s.Backend != "" {
		cfg.Backend = s.Backend
	}
	if s.Bucket != "" {
		cfg.Bucket = s.Bucket
	}
	if s.Prefix != "" {
		cfg.Prefix = s.Prefix
	}

	return cfg
}

// resolveRetentionConfig resolves retention configuration from system YAML, applying defaults.
func resolveRetentionConfig(sys *SystemYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if sys == nil || sys.Retention == nil {
		return cfg
	}

	r := sys.Retention
	if r.DefaultRetentionHours > 0 {
		cfg.DefaultRetentionHours = r.DefaultRetentionHours
	}
	if r.PurgeInterval > 0 {
		cfg.PurgeInterval = r.PurgeInterval
	}
	if r.PurgeBatch > 0 {
		cfg.PurgeBatch = r.PurgeBatch
	}

	return cfg
}

// resolveAPIConfig resolves the gateway listen address from system YAML, applying defaults.
func resolveAPIConfig(sys *SystemYAMLConfig) *APIConfig {
	cfg := &APIConfig{
		ListenAddr: ":8080",
	}
	if sys != nil && sys.ListenAddr != "" {
		cfg.ListenAddr = sys.ListenAddr
	}
	return cfg
}
