package config

import "time"

// RetentionConfig controls artifact retention and purge behavior.
type RetentionConfig struct {
	// DefaultRetentionHours is applied to auto_delete jobs that do not
	// specify their own retention window.
	DefaultRetentionHours int `yaml:"default_retention_hours"`

	// PurgeInterval is how often the purge loop scans for expired jobs.
	PurgeInterval time.Duration `yaml:"purge_interval"`

	// PurgeBatch is the maximum number of jobs purged per scan.
	PurgeBatch int `yaml:"purge_batch"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		DefaultRetentionHours: 720, // 30 days
		PurgeInterval:         1 * time.Hour,
		PurgeBatch:            50,
	}
}
