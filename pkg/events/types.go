// Package events provides the dual-transport event bus: every event fans out
// over a Redis pub/sub channel (real-time, lossy), and crash-critical events
// are additionally appended to a durable stream consumed by exactly one
// orchestrator instance through a consumer group.
//
// Handlers on the durable path must be idempotent: the stream gives
// at-least-once delivery, and a restarted orchestrator drains its own
// unacknowledged entries before reading new ones.
package events

import (
	"context"
	"time"
)

// Event types carried over the bus.
const (
	EventTypeJobCreated         = "job.created"
	EventTypeJobCompleted       = "job.completed"
	EventTypeJobFailed          = "job.failed"
	EventTypeJobCancelRequested = "job.cancel_requested"
	EventTypeJobCancelled       = "job.cancelled"

	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"

	// Transient progress reports from engines: fan-out only, never durable.
	EventTypeTaskProgress = "task.progress"
)

// Channel is the pub/sub channel every event fans out on.
const Channel = "dalston:events"

// Stream is the durable stream crash-critical events are appended to.
const Stream = "dalston:stream:events"

// Group is the consumer group orchestrator instances join on the stream.
const Group = "orchestrators"

// crashCritical lists the events whose loss would stall system progress.
var crashCritical = map[string]bool{
	EventTypeJobCreated:         true,
	EventTypeJobCompleted:       true,
	EventTypeJobFailed:          true,
	EventTypeJobCancelRequested: true,
	EventTypeJobCancelled:       true,
	EventTypeTaskStarted:        true,
	EventTypeTaskCompleted:      true,
	EventTypeTaskFailed:         true,
}

// IsCrashCritical reports whether an event type takes the durable path.
func IsCrashCritical(eventType string) bool {
	return crashCritical[eventType]
}

// Event is the flat wire envelope. Optional fields are omitted per type;
// request_id propagates the submitting request's trace id through every
// handler's log context.
type Event struct {
	Type       string  `json:"type"`
	JobID      string  `json:"job_id,omitempty"`
	TaskID     string  `json:"task_id,omitempty"`
	TenantID   string  `json:"tenant_id,omitempty"`
	Stage      string  `json:"stage,omitempty"`
	EngineID   string  `json:"engine_id,omitempty"`
	InstanceID string  `json:"instance_id,omitempty"`
	OutputURI  string  `json:"output_uri,omitempty"`
	Error      string  `json:"error,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
	Timestamp  string  `json:"timestamp"` // RFC3339Nano
}

func newEvent(eventType string) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// JobCreated builds a job.created event.
func JobCreated(jobID, tenantID, requestID string) Event {
	ev := newEvent(EventTypeJobCreated)
	ev.JobID = jobID
	ev.TenantID = tenantID
	ev.RequestID = requestID
	return ev
}

// JobCompleted builds a job.completed event.
func JobCompleted(jobID, tenantID, requestID string) Event {
	ev := newEvent(EventTypeJobCompleted)
	ev.JobID = jobID
	ev.TenantID = tenantID
	ev.RequestID = requestID
	return ev
}

// JobFailed builds a job.failed event carrying the user-visible error.
func JobFailed(jobID, tenantID, errMsg, requestID string) Event {
	ev := newEvent(EventTypeJobFailed)
	ev.JobID = jobID
	ev.TenantID = tenantID
	ev.Error = errMsg
	ev.RequestID = requestID
	return ev
}

// JobCancelRequested builds a job.cancel_requested event.
func JobCancelRequested(jobID, requestID string) Event {
	ev := newEvent(EventTypeJobCancelRequested)
	ev.JobID = jobID
	ev.RequestID = requestID
	return ev
}

// JobCancelled builds a job.cancelled event.
func JobCancelled(jobID, tenantID, requestID string) Event {
	ev := newEvent(EventTypeJobCancelled)
	ev.JobID = jobID
	ev.TenantID = tenantID
	ev.RequestID = requestID
	return ev
}

// TaskStarted builds a task.started event published by an engine instance
// immediately after it claims a task from the stream.
func TaskStarted(taskID, jobID, stage, instanceID, requestID string) Event {
	ev := newEvent(EventTypeTaskStarted)
	ev.TaskID = taskID
	ev.JobID = jobID
	ev.Stage = stage
	ev.InstanceID = instanceID
	ev.RequestID = requestID
	return ev
}

// TaskCompleted builds a task.completed event carrying the output artifact URI.
func TaskCompleted(taskID, jobID, stage, outputURI, requestID string) Event {
	ev := newEvent(EventTypeTaskCompleted)
	ev.TaskID = taskID
	ev.JobID = jobID
	ev.Stage = stage
	ev.OutputURI = outputURI
	ev.RequestID = requestID
	return ev
}

// TaskFailed builds a task.failed event carrying the engine's error string.
func TaskFailed(taskID, jobID, stage, errMsg, requestID string) Event {
	ev := newEvent(EventTypeTaskFailed)
	ev.TaskID = taskID
	ev.JobID = jobID
	ev.Stage = stage
	ev.Error = errMsg
	ev.RequestID = requestID
	return ev
}

// TaskProgress builds a transient task.progress event (0.0 to 1.0).
func TaskProgress(taskID, jobID, stage string, progress float64) Event {
	ev := newEvent(EventTypeTaskProgress)
	ev.TaskID = taskID
	ev.JobID = jobID
	ev.Stage = stage
	ev.Progress = progress
	return ev
}

type contextKey string

const requestIDKey contextKey = "dalston.request_id"

// WithRequestID binds a request id into the context for downstream log lines.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom returns the request id bound into the context, or "".
func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
