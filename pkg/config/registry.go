package config

import "time"

// RegistryConfig contains engine registry and heartbeat configuration.
type RegistryConfig struct {
	// HeartbeatInterval is how often each engine instance refreshes its
	// heartbeat record.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatTTL is the expiry on heartbeat records. Must be at least
	// 3× HeartbeatInterval so a single missed beat does not expire the key.
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`

	// LivenessWindow is the maximum heartbeat age for an instance to count
	// as alive. Tighter than the TTL: the record may still exist while the
	// instance is already considered dead.
	LivenessWindow time.Duration `yaml:"liveness_window"`
}

// DefaultRegistryConfig returns the built-in registry defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		HeartbeatInterval: 20 * time.Second,
		HeartbeatTTL:      90 * time.Second,
		LivenessWindow:    60 * time.Second,
	}
}
