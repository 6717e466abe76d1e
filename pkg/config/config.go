package config

// Config is the umbrella configuration object that encapsulates
// the model catalog, defaults, and per-subsystem tuning knobs.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Default job parameters
	Defaults *Defaults

	// Stage → engine mapping used when the catalog does not decide
	RuntimeByStage map[string]string

	// Subsystem configuration
	Queue      *QueueConfig
	Events     *EventsConfig
	Registry   *RegistryConfig
	Reconciler *ReconcilerConfig
	Retention  *RetentionConfig
	Jobs       *JobsConfig
	Storage    *StorageConfig
	API        *APIConfig

	// Model catalog
	Catalog *CatalogRegistry
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Models   int
	Runtimes int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{Runtimes: len(c.RuntimeByStage)}
	if c.Catalog != nil {
		s.Models = c.Catalog.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ResolveModel resolves a user-facing model id or alias through the catalog.
// This is a convenience method that wraps Catalog.Resolve().
func (c *Config) ResolveModel(nameOrAlias string) (*ModelEntry, string, error) {
	return c.Catalog.Resolve(nameOrAlias)
}

// RuntimeFor returns the default engine id for a pipeline stage, or "" when
// no mapping exists.
func (c *Config) RuntimeFor(stage string) string {
	return c.RuntimeByStage[stage]
}
