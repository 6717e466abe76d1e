package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/services"
)

// handleTaskStarted claims the task for the reporting engine: a conditional
// ready→running move. Zero rows means the task was not ready; the current
// state distinguishes a harmless replay from a stale claim to reject.
func (o *Orchestrator) handleTaskStarted(ctx context.Context, ev *events.Event) error {
	claimed, err := o.tasks.Claim(ctx, ev.TaskID)
	if err != nil {
		return err
	}
	if claimed {
		slog.Info("Task claimed",
			"task_id", ev.TaskID, "job_id", ev.JobID, "stage", ev.Stage,
			"instance_id", ev.InstanceID, "request_id", ev.RequestID)
		return nil
	}

	task, err := o.tasks.GetTask(ctx, ev.TaskID)
	if errors.Is(err, services.ErrNotFound) {
		slog.Warn("Dropping task.started for unknown task", "task_id", ev.TaskID)
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status == models.TaskStatusRunning {
		return nil // replay of a claim already applied
	}
	slog.Info("Rejected stale task claim",
		"task_id", ev.TaskID, "status", task.Status, "instance_id", ev.InstanceID)
	return nil
}

// handleTaskCompleted records a task's success and advances the graph:
// promote newly-ready dependents, or finish cancelling the job, then check
// whether the job itself is done. Replays re-run the side effects; every
// one of them is conditional, so a crash between the status write and the
// follow-up work is healed by the next delivery.
func (o *Orchestrator) handleTaskCompleted(ctx context.Context, ev *events.Event) error {
	task, err := o.tasks.GetTask(ctx, ev.TaskID)
	if errors.Is(err, services.ErrNotFound) {
		slog.Warn("Dropping task.completed for unknown task", "task_id", ev.TaskID)
		return nil
	}
	if err != nil {
		return err
	}

	moved, err := o.tasks.Complete(ctx, task.ID, ev.OutputURI)
	if err != nil {
		return err
	}
	if moved {
		slog.Info("Task completed",
			"task_id", task.ID, "job_id", task.JobID, "stage", task.Stage,
			"request_id", ev.RequestID)
	} else if !task.Status.Satisfied() {
		// The task already settled as failed or cancelled; success arrived
		// too late to count. The job may still be waiting on it to finish
		// cancelling, so the completion check still runs.
		return o.checkJobCompletion(ctx, task.JobID, ev.RequestID)
	}
	return o.advanceJob(ctx, task.JobID, ev.RequestID)
}

// handleTaskFailed applies the retry policy. What to do depends entirely on
// the task's current state, because the failure may race retries committed
// by other deliveries of the same report.
func (o *Orchestrator) handleTaskFailed(ctx context.Context, ev *events.Event) error {
	task, err := o.tasks.GetTask(ctx, ev.TaskID)
	if errors.Is(err, services.ErrNotFound) {
		slog.Warn("Dropping task.failed for unknown task", "task_id", ev.TaskID)
		return nil
	}
	if err != nil {
		return err
	}

	errMsg := ev.Error
	if errMsg == "" {
		errMsg = "task failed"
	}

	switch task.Status {
	case models.TaskStatusRunning:
		retries, moved, err := o.tasks.Retry(ctx, task.ID)
		if err != nil {
			return err
		}
		if moved {
			slog.Info("Task failed, retrying",
				"task_id", task.ID, "job_id", task.JobID, "stage", task.Stage,
				"attempt", retries, "max_retries", task.MaxRetries,
				"error", errMsg, "request_id", ev.RequestID)
			task.Status = models.TaskStatusReady
			task.Retries = retries
			return o.redispatch(ctx, task, ev.RequestID)
		}

		// Zero rows: budget exhausted, or another process moved the task
		// first. Only the former is ours to settle.
		cur, err := o.tasks.GetTask(ctx, task.ID)
		if errors.Is(err, services.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Status != models.TaskStatusRunning {
			return nil
		}
		return o.exhaustTask(ctx, cur, errMsg, ev.RequestID)

	case models.TaskStatusReady:
		// Replayed failure after the retry already committed: re-enqueue
		// under the same attempt key, which dedupes against the message the
		// first delivery appended.
		return o.redispatch(ctx, task, ev.RequestID)

	case models.TaskStatusSkipped:
		// Replay: dependents may still be waiting on the advance.
		return o.advanceJob(ctx, task.JobID, ev.RequestID)

	case models.TaskStatusFailed:
		// Replay: re-run job-fail side effects; the decrement guard and the
		// conditional job transition keep them single-shot where it matters.
		job, err := o.jobs.GetJob(ctx, task.JobID)
		if errors.Is(err, services.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.Error != nil {
			errMsg = *job.Error
		} else if task.Error != nil {
			errMsg = *task.Error
		}
		return o.failJob(ctx, job, errMsg, ev.RequestID)

	default:
		// pending: out-of-order report for an unclaimed task.
		// completed/cancelled: nothing to apply.
		return nil
	}
}

// exhaustTask settles a task whose retry budget ran out: required tasks fail
// the job; optional tasks are skipped and the graph proceeds without them.
func (o *Orchestrator) exhaustTask(ctx context.Context, task *models.Task, errMsg, requestID string) error {
	if task.Required {
		if _, err := o.tasks.Fail(ctx, task.ID, errMsg); err != nil {
			return err
		}
		slog.Warn("Required task failed terminally",
			"task_id", task.ID, "job_id", task.JobID, "stage", task.Stage,
			"retries", task.Retries, "error", errMsg, "request_id", requestID)

		job, err := o.jobs.GetJob(ctx, task.JobID)
		if errors.Is(err, services.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return o.failJob(ctx, job,
			fmt.Sprintf("required task %s failed: %s", task.Stage, errMsg), requestID)
	}

	if _, err := o.tasks.Skip(ctx, task.ID, errMsg); err != nil {
		return err
	}
	slog.Warn("Optional task skipped after retry exhaustion",
		"task_id", task.ID, "job_id", task.JobID, "stage", task.Stage,
		"error", errMsg, "request_id", requestID)
	return o.advanceJob(ctx, task.JobID, requestID)
}

// redispatch re-enqueues a ready task under its current attempt key.
func (o *Orchestrator) redispatch(ctx context.Context, task *models.Task, requestID string) error {
	job, err := o.jobs.GetJob(ctx, task.JobID)
	if errors.Is(err, services.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == models.JobStatusCancelling {
		return nil
	}
	siblings, err := o.tasks.ListByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	_, err = o.enqueueTask(ctx, job, task, siblings, requestID)
	return err
}

// advanceJob runs the shared success path after a task reached a satisfied
// state: cancelling jobs get their remaining pending work cancelled instead
// of promoted; otherwise every task whose dependencies are now satisfied is
// promoted and enqueued. Both paths end in the job completion check.
func (o *Orchestrator) advanceJob(ctx context.Context, jobID, requestID string) error {
	job, err := o.jobs.GetJob(ctx, jobID)
	if errors.Is(err, services.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if job.Status == models.JobStatusCancelling || job.Status.Terminal() {
		if job.Status == models.JobStatusCancelling {
			if _, err := o.tasks.CancelPending(ctx, jobID); err != nil {
				return err
			}
		}
		return o.checkJobCompletion(ctx, jobID, requestID)
	}

	tasks, err := o.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return err
	}
	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		if t.Status != models.TaskStatusPending || len(t.Dependencies) == 0 {
			continue
		}
		if !depsSatisfied(t, byID) {
			continue
		}
		moved, err := o.tasks.Promote(ctx, t.ID)
		if err != nil {
			return err
		}
		if !moved {
			continue
		}
		t.Status = models.TaskStatusReady

		ok, err := o.enqueueTask(ctx, job, t, tasks, requestID)
		if err != nil {
			return err
		}
		if !ok {
			return nil // job failed: engine unavailable
		}
	}
	return o.checkJobCompletion(ctx, jobID, requestID)
}

func depsSatisfied(task *models.Task, byID map[string]*models.Task) bool {
	for _, depID := range task.Dependencies {
		dep := byID[depID]
		if dep == nil || !dep.Status.Satisfied() {
			return false
		}
	}
	return true
}

// handleCancelRequested applies a soft cancellation: mark the job cancelled
// in the broker so engines stop picking its messages up, cancel all
// not-yet-running tasks, and settle the job as cancelled unless running
// tasks still have to drain (then it parks in cancelling).
func (o *Orchestrator) handleCancelRequested(ctx context.Context, ev *events.Event) error {
	job, err := o.jobs.GetJob(ctx, ev.JobID)
	if errors.Is(err, services.ErrNotFound) {
		slog.Warn("Dropping cancel request for unknown job", "job_id", ev.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		if job.Status == models.JobStatusCancelled {
			// Replay across the crash window between the cancelled write
			// and its side effects.
			return o.settleCancelled(ctx, job, ev.RequestID)
		}
		return nil
	}

	if err := o.queue.MarkCancelled(ctx, job.ID); err != nil {
		return err
	}
	cancelled, err := o.tasks.CancelPending(ctx, job.ID)
	if err != nil {
		return err
	}
	slog.Info("Cancellation requested",
		"job_id", job.ID, "tasks_cancelled", cancelled, "request_id", ev.RequestID)

	tasks, err := o.tasks.ListByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == models.TaskStatusRunning {
			_, err := o.jobs.TransitionStatus(ctx, job.ID, models.JobStatusCancelling,
				models.JobStatusPending, models.JobStatusRunning)
			return err
		}
	}
	return o.settleCancelled(ctx, job, ev.RequestID)
}
