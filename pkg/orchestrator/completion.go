package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/services"
	"github.com/dalston-ai/dalston/pkg/storage"
)

// checkJobCompletion settles the job once every task is terminal. It runs
// after every task-level state change and on replays of terminal job events,
// so the settle paths below must tolerate finding their work already done.
func (o *Orchestrator) checkJobCompletion(ctx context.Context, jobID, requestID string) error {
	job, err := o.jobs.GetJob(ctx, jobID)
	if errors.Is(err, services.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	tasks, err := o.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	requiredFailed := false
	failMsg := ""
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return nil
		}
		if t.Required && t.Status == models.TaskStatusFailed && !requiredFailed {
			requiredFailed = true
			failMsg = "required task " + t.Stage + " failed"
			if t.Error != nil {
				failMsg += ": " + *t.Error
			}
		}
	}

	switch {
	case requiredFailed || job.Status == models.JobStatusFailed:
		if job.Error != nil {
			failMsg = *job.Error
		}
		return o.failJob(ctx, job, failMsg, requestID)
	case job.Status == models.JobStatusCancelling || job.Status == models.JobStatusCancelled:
		return o.settleCancelled(ctx, job, requestID)
	default:
		return o.settleCompleted(ctx, job, tasks, requestID)
	}
}

// failJob moves the job to failed and runs the failure side effects: cancel
// whatever work has not started, release the tenant's active slot, publish
// job.failed. Re-entry with an already-failed job re-runs the side effects
// only, which covers a crash between the status write and any of them.
func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, errMsg, requestID string) error {
	moved, err := o.jobs.FailJob(ctx, job.ID, errMsg)
	if err != nil {
		return err
	}
	if !moved {
		cur, err := o.jobs.GetJob(ctx, job.ID)
		if errors.Is(err, services.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Status != models.JobStatusFailed {
			return nil // lost the race to another terminal state
		}
	} else {
		slog.Warn("Job failed",
			"job_id", job.ID, "tenant_id", job.TenantID,
			"error", errMsg, "request_id", requestID)
	}

	if err := o.queue.MarkCancelled(ctx, job.ID); err != nil {
		return err
	}
	if _, err := o.tasks.CancelPending(ctx, job.ID); err != nil {
		return err
	}
	if err := o.decrementOnce(ctx, job); err != nil {
		return err
	}
	return o.publisher.Publish(ctx, events.JobFailed(job.ID, job.TenantID, errMsg, requestID))
}

// settleCancelled finishes a cancellation once no running task remains.
func (o *Orchestrator) settleCancelled(ctx context.Context, job *models.Job, requestID string) error {
	moved, err := o.jobs.TransitionStatus(ctx, job.ID, models.JobStatusCancelled,
		models.JobStatusPending, models.JobStatusRunning, models.JobStatusCancelling)
	if err != nil {
		return err
	}
	if !moved && job.Status != models.JobStatusCancelled {
		return nil
	}
	if moved {
		slog.Info("Job cancelled", "job_id", job.ID, "request_id", requestID)
	}
	if err := o.decrementOnce(ctx, job); err != nil {
		return err
	}
	return o.publisher.Publish(ctx, events.JobCancelled(job.ID, job.TenantID, requestID))
}

// settleCompleted finishes a successful job: pull the result summary out of
// the merge output, stamp purge_after for auto-delete retention, release the
// tenant slot and publish job.completed. The summary read happens before the
// status transition so a storage outage retries the whole settle instead of
// leaving a completed job with no result.
func (o *Orchestrator) settleCompleted(ctx context.Context, job *models.Job, tasks []*models.Task, requestID string) error {
	if job.Status == models.JobStatusCompleted {
		if err := o.decrementOnce(ctx, job); err != nil {
			return err
		}
		return o.publisher.Publish(ctx, events.JobCompleted(job.ID, job.TenantID, requestID))
	}

	summary, err := o.extractSummary(ctx, tasks)
	if err != nil {
		return err
	}

	moved, err := o.jobs.TransitionStatus(ctx, job.ID, models.JobStatusCompleted,
		models.JobStatusRunning, models.JobStatusPending)
	if err != nil {
		return err
	}
	if !moved {
		return nil // raced another settle; the event replay finishes its side effects
	}
	slog.Info("Job completed", "job_id", job.ID, "tenant_id", job.TenantID, "request_id", requestID)

	if summary != nil {
		if err := o.jobs.SetResult(ctx, job.ID, *summary); err != nil {
			return err
		}
	}
	if job.RetentionMode == models.RetentionAutoDelete {
		hours := job.RetentionHours
		if hours <= 0 {
			hours = o.cfg.Retention.DefaultRetentionHours
		}
		purgeAfter := time.Now().UTC().Add(time.Duration(hours) * time.Hour)
		if err := o.jobs.SetPurgeAfter(ctx, job.ID, purgeAfter); err != nil {
			return err
		}
	}
	if err := o.decrementOnce(ctx, job); err != nil {
		return err
	}
	return o.publisher.Publish(ctx, events.JobCompleted(job.ID, job.TenantID, requestID))
}

// decrementOnce releases the tenant's active-job slot exactly once per job
// generation. The guard key outlives the handler, so replays after a crash
// see the acquire fail and skip the decrement. A gateway retry re-activates
// the job under an incremented retry_count, which is why the key carries the
// generation: the retried run settles under a fresh key.
func (o *Orchestrator) decrementOnce(ctx context.Context, job *models.Job) error {
	key := fmt.Sprintf("dalston:job:decremented:%s:%d", job.ID, job.RetryCount)
	won, err := o.guard.Acquire(ctx, key, o.cfg.Queue.IdempotencyTTL)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if _, err := o.counters.DecrActiveJobs(ctx, job.TenantID); err != nil {
		// Give the guard back so a later replay can retry the decrement.
		if rerr := o.guard.Release(ctx, key); rerr != nil {
			slog.Warn("Failed to release decrement guard", "job_id", job.ID, "error", rerr)
		}
		return err
	}
	return nil
}

// mergeOutput is the slice of the merge stage's output document the
// orchestrator reads. Engines write a richer document; unknown fields are
// ignored here.
type mergeOutput struct {
	LanguageCode string         `json:"language_code"`
	Text         string         `json:"text"`
	Segments     []mergeSegment `json:"segments"`
}

type mergeSegment struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
	Words   []any  `json:"words"`
}

// extractSummary reads the merge task's output and condenses it into the
// job-level result. A missing or malformed document degrades to no summary;
// only transient storage errors abort the settle.
func (o *Orchestrator) extractSummary(ctx context.Context, tasks []*models.Task) (*models.ResultSummary, error) {
	var merge *models.Task
	for _, t := range tasks {
		if models.BaseStage(t.Stage) == models.StageMerge && t.Status == models.TaskStatusCompleted {
			merge = t
			break
		}
	}
	if merge == nil || merge.OutputURI == nil || *merge.OutputURI == "" {
		return nil, nil
	}

	data, err := o.store.Get(ctx, *merge.OutputURI)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Warn("Merge output missing, completing without summary",
			"task_id", merge.ID, "output_uri", *merge.OutputURI)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out mergeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		slog.Warn("Merge output unparseable, completing without summary",
			"task_id", merge.ID, "output_uri", *merge.OutputURI, "error", err)
		return nil, nil
	}
	return summarize(&out), nil
}

func summarize(out *mergeOutput) *models.ResultSummary {
	sum := &models.ResultSummary{
		LanguageCode: out.LanguageCode,
		SegmentCount: len(out.Segments),
	}
	speakers := make(map[string]struct{})
	for _, seg := range out.Segments {
		if len(seg.Words) > 0 {
			sum.WordCount += len(seg.Words)
		} else {
			sum.WordCount += len(strings.Fields(seg.Text))
		}
		if seg.Speaker != "" {
			speakers[seg.Speaker] = struct{}{}
		}
	}
	sum.SpeakerCount = len(speakers)

	text := out.Text
	if text == "" {
		parts := make([]string, 0, len(out.Segments))
		for _, seg := range out.Segments {
			if seg.Text != "" {
				parts = append(parts, seg.Text)
			}
		}
		text = strings.Join(parts, " ")
	}
	sum.CharacterCount = utf8.RuneCountInString(text)
	return sum
}
