package config

// JobsConfig contains job and task retry policy configuration.
type JobsConfig struct {
	// MaxJobRetries is how many times a failed job can be retried through
	// the gateway before retry_job refuses.
	MaxJobRetries int `yaml:"max_job_retries"`

	// TaskMaxRetries is the per-task retry budget stamped on new tasks.
	TaskMaxRetries int `yaml:"task_max_retries"`

	// MaxActiveJobsPerTenant limits concurrent non-terminal jobs per tenant
	// at submit time. 0 disables the limit.
	MaxActiveJobsPerTenant int `yaml:"max_active_jobs_per_tenant"`
}

// DefaultJobsConfig returns the built-in job policy defaults.
func DefaultJobsConfig() *JobsConfig {
	return &JobsConfig{
		MaxJobRetries:          3,
		TaskMaxRetries:         2,
		MaxActiveJobsPerTenant: 0,
	}
}
