package config

import "time"

// QueueConfig contains dispatch queue configuration.
// These values control how task messages are appended to and consumed from
// the per-stage streams.
type QueueConfig struct {
	// StreamMaxLen caps each stage stream's length (approximate trimming).
	StreamMaxLen int64 `yaml:"stream_maxlen"`

	// ReadBlock is the bounded blocking interval for consumer reads.
	// Keeping it short keeps worker shutdown responsive.
	ReadBlock time.Duration `yaml:"read_block"`

	// TaskTimeout is the advisory processing deadline stamped on each
	// message (timeout_at). The reconciler is the true enforcer.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// IdempotencyTTL is how long enqueue idempotency keys are remembered.
	// Must exceed the worst-case window in which the same enqueue decision
	// can be replayed.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	// CancelMarkerTTL is how long job cancellation markers live. Workers
	// consult the marker before starting a task, so it must outlive any
	// message for the cancelled job still sitting in a stream.
	CancelMarkerTTL time.Duration `yaml:"cancel_marker_ttl"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		StreamMaxLen:    10000,
		ReadBlock:       5 * time.Second,
		TaskTimeout:     30 * time.Minute,
		IdempotencyTTL:  2 * time.Hour,
		CancelMarkerTTL: 24 * time.Hour,
	}
}
