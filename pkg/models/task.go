package models

import "time"

// TaskStatus is the lifecycle state of a single DAG task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is absorbing for a task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusSkipped, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Satisfied reports whether a dependency in this status unblocks its
// dependents. A skipped optional task counts as satisfied so the rest of
// the graph proceeds without it.
func (s TaskStatus) Satisfied() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

// Task is one node of a job's processing DAG. Dependencies reference task
// ids within the same job and are acyclic by construction.
type Task struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	Stage        string         `json:"stage"`
	EngineID     string         `json:"engine_id"`
	Status       TaskStatus     `json:"status"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	InputURI     *string        `json:"input_uri,omitempty"`
	OutputURI    *string        `json:"output_uri,omitempty"`
	Retries      int            `json:"retries"`
	MaxRetries   int            `json:"max_retries"`
	Required     bool           `json:"required"`
	Error        *string        `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// DependsOn reports whether the task lists id as a dependency.
func (t *Task) DependsOn(id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}
