package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dalston-ai/dalston/pkg/dag"
	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/services"
)

// handleJobCreated turns an accepted job into durable, enqueueable work:
// build the DAG, persist it atomically, move the job to running, then
// promote and enqueue the dependency-free roots.
//
// Redeliveries are safe at every point: an existing graph is never rebuilt,
// the running transition is conditional, and root dispatch re-runs
// idempotently, so a crash anywhere between the task insert and the last
// root enqueue is healed by the next delivery instead of wedging the job.
func (o *Orchestrator) handleJobCreated(ctx context.Context, ev *events.Event) error {
	job, err := o.jobs.GetJob(ctx, ev.JobID)
	if errors.Is(err, services.ErrNotFound) {
		slog.Warn("Dropping job.created for unknown job", "job_id", ev.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == models.JobStatusCancelling {
		return nil
	}

	// A gateway retry replays job.created under the same job id; the failed
	// generation's cancellation marker must not eat the new dispatches.
	if err := o.queue.ClearCancelled(ctx, job.ID); err != nil {
		return err
	}

	has, err := o.tasks.HasTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	if !has {
		graph, err := o.builder.Build(ctx, job)
		if err != nil {
			if errors.Is(err, dag.ErrInvalidParameters) {
				slog.Warn("Failing job with unbuildable parameters",
					"job_id", job.ID, "error", err, "request_id", ev.RequestID)
				return o.failJob(ctx, job, err.Error(), ev.RequestID)
			}
			return err
		}
		if err := o.tasks.CreateTasks(ctx, graph); err != nil {
			// A racing orchestrator built the graph first; continue with
			// its rows.
			if !errors.Is(err, services.ErrAlreadyExists) {
				return err
			}
		} else {
			slog.Info("Task graph created",
				"job_id", job.ID, "tasks", len(graph), "request_id", ev.RequestID)
		}
	}

	if _, err := o.jobs.TransitionStatus(ctx, job.ID, models.JobStatusRunning, models.JobStatusPending); err != nil {
		return err
	}
	return o.dispatchRoots(ctx, job, ev.RequestID)
}

// dispatchRoots promotes every dependency-free task to ready and enqueues
// it. Roots already in ready are re-enqueued under their attempt's
// idempotency key, which makes crash recovery a no-op when the message
// already exists.
func (o *Orchestrator) dispatchRoots(ctx context.Context, job *models.Job, requestID string) error {
	tasks, err := o.tasks.ListByJob(ctx, job.ID)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if len(task.Dependencies) > 0 {
			continue
		}
		switch task.Status {
		case models.TaskStatusPending:
			moved, err := o.tasks.Promote(ctx, task.ID)
			if err != nil {
				return err
			}
			if !moved {
				continue
			}
			task.Status = models.TaskStatusReady
		case models.TaskStatusReady:
			// Promoted on an earlier delivery that died before enqueueing.
		default:
			continue
		}

		ok, err := o.enqueueTask(ctx, job, task, tasks, requestID)
		if err != nil {
			return err
		}
		if !ok {
			// Job failed for want of a live engine; stop dispatching.
			return nil
		}
	}
	return nil
}
