package config

import "time"

// ReconcilerConfig contains reconciliation sweeper configuration.
type ReconcilerConfig struct {
	// SweepInterval is how often the reconciler runs a full sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// StaleThreshold is how long a pending stream entry must sit idle
	// before it is eligible for reclaim (the owner must also be dead).
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// OrphanThreshold is how long a task may be running with no pending
	// stream entry before the reconciler settles it from storage evidence.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// LeaderTTL is the expiry on the reconciler leader lock. Refreshed each
	// sweep; a holder that cannot refresh stands down.
	LeaderTTL time.Duration `yaml:"leader_ttl"`
}

// DefaultReconcilerConfig returns the built-in reconciler defaults.
func DefaultReconcilerConfig() *ReconcilerConfig {
	return &ReconcilerConfig{
		SweepInterval:   5 * time.Minute,
		StaleThreshold:  10 * time.Minute,
		OrphanThreshold: 10 * time.Minute,
		LeaderTTL:       15 * time.Minute,
	}
}
