package runner

import (
	"context"

	"github.com/dalston-ai/dalston/pkg/models"
)

// Execution carries everything an executor needs to run one task. The runner
// resolves it from the queue message and the input artifact before calling
// Execute.
type Execution struct {
	TaskID    string
	JobID     string
	RequestID string

	// Stage is the full stage name from the input artifact, channel suffix
	// included.
	Stage string

	// Input is the artifact the scheduler wrote at enqueue time: source
	// audio, task config and the outputs of satisfied dependencies.
	Input models.TaskInput

	// Progress reports fractional completion (0.0 to 1.0) to the event bus.
	// Best effort and never required; the bus drops it for anyone not
	// listening.
	Progress func(fraction float64)
}

// Executor implements the actual stage work. The runner owns queue
// consumption, artifact transfer and lifecycle reporting; Execute only turns
// an input into an output artifact body.
//
// The context carries the task's advisory deadline. Implementations should
// return promptly once it ends; the runner maps a deadline expiry to a task
// failure and a runner shutdown to silent redelivery.
type Executor interface {
	Execute(ctx context.Context, exec Execution) ([]byte, error)
}
