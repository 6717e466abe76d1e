package config

import "time"

// EventsConfig contains event bus configuration.
type EventsConfig struct {
	// StreamMaxLen caps the durable event stream's length (approximate
	// trimming). Crash-critical events older than this are assumed to have
	// been handled or reconciled.
	StreamMaxLen int64 `yaml:"stream_maxlen"`

	// ReadBlock is the bounded blocking interval for consumer reads.
	ReadBlock time.Duration `yaml:"read_block"`

	// HandlerTimeout bounds a single event handler invocation.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// DefaultEventsConfig returns the built-in event bus defaults.
func DefaultEventsConfig() *EventsConfig {
	return &EventsConfig{
		StreamMaxLen:   100000,
		ReadBlock:      5 * time.Second,
		HandlerTimeout: 2 * time.Minute,
	}
}
