package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dalston-ai/dalston/pkg/dag"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/queue"
	"github.com/dalston-ai/dalston/pkg/storage"
)

// retryEnqueueKey dedupes enqueues per task attempt: replayed events at the
// same retry count must not append a second message.
func retryEnqueueKey(taskID string, attempt int) string {
	return fmt.Sprintf("dalston:task:retry-enqueue:%s:%d", taskID, attempt)
}

// enqueueTask makes a ready task available to engines: it writes the input
// artifact, verifies a live capable instance exists, and appends the queue
// message under the attempt's idempotency key. Returns false (with nil
// error) when the job was failed because no engine can serve the task;
// callers stop dispatching in that case.
func (o *Orchestrator) enqueueTask(ctx context.Context, job *models.Job, task *models.Task, siblings []*models.Task, requestID string) (bool, error) {
	input := models.TaskInput{
		AudioURI:        job.AudioURI,
		Audio:           job.Audio,
		Stage:           task.Stage,
		Config:          task.Config,
		PreviousOutputs: previousOutputs(task, siblings),
	}
	data, err := json.Marshal(input)
	if err != nil {
		return false, fmt.Errorf("failed to marshal input for task %s: %w", task.ID, err)
	}
	uri, err := o.store.Put(ctx, storage.InputKey(job.ID, task.ID), data)
	if err != nil {
		return false, fmt.Errorf("failed to write input for task %s: %w", task.ID, err)
	}
	if err := o.tasks.SetInput(ctx, task.ID, uri); err != nil {
		return false, err
	}

	caps := requiredCapabilities(task.Config)
	available, err := o.engineAvailable(ctx, task.EngineID, caps)
	if err != nil {
		return false, err
	}
	if !available {
		slog.Warn("No live engine for task, failing job",
			"job_id", job.ID, "task_id", task.ID, "engine_id", task.EngineID,
			"stage", task.Stage, "request_id", requestID)
		if err := o.failJob(ctx, job, engineUnavailableError(task.EngineID, task.Stage, caps), requestID); err != nil {
			return false, err
		}
		return false, nil
	}

	msg := queue.Message{
		TaskID:    task.ID,
		JobID:     job.ID,
		EngineID:  task.EngineID,
		RequestID: requestID,
	}
	// Per-channel tasks ride their base stage's stream; engines subscribe
	// by logical stage, not channel variant.
	stream := models.BaseStage(task.Stage)
	id, added, err := o.queue.Add(ctx, stream, msg, retryEnqueueKey(task.ID, task.Retries))
	if err != nil {
		return false, err
	}
	if added {
		slog.Info("Task enqueued",
			"job_id", job.ID, "task_id", task.ID, "stage", task.Stage,
			"engine_id", task.EngineID, "attempt", task.Retries,
			"message_id", id, "request_id", requestID)
	} else {
		slog.Debug("Enqueue suppressed by idempotency key",
			"task_id", task.ID, "attempt", task.Retries)
	}
	return true, nil
}

// engineAvailable reports whether a live instance of the engine exists,
// declaring every required capability when the task names any.
func (o *Orchestrator) engineAvailable(ctx context.Context, engineID string, caps []string) (bool, error) {
	if len(caps) == 0 {
		return o.registry.HasLiveInstance(ctx, engineID)
	}
	for _, cap := range caps {
		ok, err := o.registry.AnyCapable(ctx, engineID, cap)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// previousOutputs maps each completed dependency's stage to its output URI.
// Per-channel stages are additionally aliased under the base stage name so
// channel-agnostic engines can find their input.
func previousOutputs(task *models.Task, siblings []*models.Task) map[string]string {
	byID := make(map[string]*models.Task, len(siblings))
	for _, t := range siblings {
		byID[t.ID] = t
	}

	outputs := make(map[string]string)
	for _, depID := range task.Dependencies {
		dep := byID[depID]
		if dep == nil || dep.Status != models.TaskStatusCompleted || dep.OutputURI == nil {
			continue
		}
		outputs[dep.Stage] = *dep.OutputURI
		if base := models.BaseStage(dep.Stage); base != dep.Stage {
			outputs[base] = *dep.OutputURI
		}
	}
	return outputs
}

// requiredCapabilities reads the capability list from a task config,
// tolerating both the in-memory []string and the JSONB round-trip []any.
func requiredCapabilities(cfg map[string]any) []string {
	raw, ok := cfg[dag.ConfigRequiredCapabilities]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		caps := make([]string, 0, len(v))
		for _, c := range v {
			if s, ok := c.(string); ok {
				caps = append(caps, s)
			}
		}
		return caps
	}
	return nil
}

// engineUnavailableError renders the structured, user-visible error a job
// carries when it fails for want of a live engine.
func engineUnavailableError(engineID, stage string, caps []string) string {
	payload := map[string]any{
		"code":      "ENGINE_UNAVAILABLE",
		"engine_id": engineID,
		"stage":     stage,
		"message":   fmt.Sprintf("no live instance of engine %q can serve stage %q", engineID, stage),
	}
	if len(caps) > 0 {
		payload["required_capabilities"] = caps
	}
	data, _ := json.Marshal(payload)
	return string(data)
}
