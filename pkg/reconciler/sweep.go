package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/queue"
	"github.com/dalston-ai/dalston/pkg/services"
	"github.com/dalston-ai/dalston/pkg/storage"
)

// pelEntry is one pending queue entry annotated with its stream's stage.
type pelEntry struct {
	stage string
	queue.PendingEntry
}

// Sweep runs one reconcile pass: enumerate the pending-entry lists, re-emit
// failure events lost by earlier sweeps, settle orphaned running tasks
// against object storage, ACK entries whose task already settled, recover
// ready tasks stranded by dead engines, and prune expired registry
// instances. Failures inside a phase are logged and skipped; the next sweep
// retries whatever is still broken.
func (s *Service) Sweep(ctx context.Context) error {
	entries, err := s.snapshotPending(ctx)
	if err != nil {
		return err
	}
	byTask := make(map[string][]pelEntry, len(entries))
	for _, e := range entries {
		if e.TaskID != "" {
			byTask[e.TaskID] = append(byTask[e.TaskID], e)
		}
	}

	republished := s.republishOrphanFailures(ctx)
	completed, failed := s.resolveOrphans(ctx, byTask)
	acked := s.ackSettled(ctx, entries)
	requeued := s.recoverStranded(ctx, entries)

	pruned, err := s.registry.Prune(ctx)
	if err != nil {
		slog.Error("Registry prune failed", "error", err)
	}

	if republished+completed+failed+acked+requeued+pruned > 0 {
		slog.Info("Reconcile sweep repaired state",
			"events_republished", republished,
			"orphans_completed", completed, "orphans_failed", failed,
			"settled_acked", acked, "requeued", requeued,
			"instances_pruned", pruned)
	}
	return nil
}

// snapshotPending enumerates the pending entries of every stage stream.
func (s *Service) snapshotPending(ctx context.Context) ([]pelEntry, error) {
	stages := make([]string, 0, len(s.cfg.RuntimeByStage))
	for stage := range s.cfg.RuntimeByStage {
		stages = append(stages, stage)
	}
	sort.Strings(stages)

	var entries []pelEntry
	for _, stage := range stages {
		pending, err := s.queue.Pending(ctx, stage)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate pending entries for %s: %w", stage, err)
		}
		for _, p := range pending {
			entries = append(entries, pelEntry{stage: stage, PendingEntry: p})
		}
	}
	return entries, nil
}

// republishOrphanFailures re-emits task.failed for orphan-failed tasks whose
// job never settled. This closes the window where an earlier sweep failed
// the task but crashed before appending the event. It runs before
// resolveOrphans so this sweep's own settlements are not immediately
// double-published.
func (s *Service) republishOrphanFailures(ctx context.Context) int {
	stale, err := s.tasks.FindUnreportedFailed(ctx, orphanError)
	if err != nil {
		slog.Error("Unreported orphan scan failed", "error", err)
		return 0
	}
	n := 0
	for _, task := range stale {
		if err := s.publisher.Publish(ctx, events.TaskFailed(task.ID, task.JobID, task.Stage, orphanError, "")); err != nil {
			slog.Error("Failed to republish orphan failure", "task_id", task.ID, "error", err)
			continue
		}
		slog.Info("Republished orphan failure", "task_id", task.ID, "job_id", task.JobID)
		n++
	}
	return n
}

// resolveOrphans settles running tasks whose engine vanished: no pending
// entry anywhere, or only entries idle past the stale threshold under dead
// instances. Object storage arbitrates the outcome. A present output means
// the work finished and only the report was lost; an absent one means the
// work is gone, and lost work is failed rather than re-queued.
func (s *Service) resolveOrphans(ctx context.Context, byTask map[string][]pelEntry) (completed, failed int) {
	orphans, err := s.tasks.FindOrphanedRunning(ctx, s.cfg.Reconciler.OrphanThreshold)
	if err != nil {
		slog.Error("Orphan scan failed", "error", err)
		return 0, 0
	}

	for _, task := range orphans {
		claimed, err := s.activelyClaimed(ctx, byTask[task.ID])
		if err != nil {
			slog.Warn("Skipping orphan candidate, liveness check failed",
				"task_id", task.ID, "error", err)
			continue
		}
		if claimed {
			continue
		}

		uri := s.store.URI(storage.OutputKey(task.JobID, task.ID))
		exists, err := s.store.Exists(ctx, uri)
		if err != nil {
			// Transient storage trouble: leave the task for the next sweep.
			slog.Warn("Skipping orphan candidate, storage check failed",
				"task_id", task.ID, "output_uri", uri, "error", err)
			continue
		}

		if exists {
			// The engine finished and died before reporting. Publish first:
			// the completion handler writes the task state itself, so a
			// crash between the two writes cannot strand the dependents.
			if err := s.publisher.Publish(ctx, events.TaskCompleted(task.ID, task.JobID, task.Stage, uri, "")); err != nil {
				slog.Error("Failed to publish recovered completion", "task_id", task.ID, "error", err)
				continue
			}
			if _, err := s.tasks.Complete(ctx, task.ID, uri); err != nil {
				slog.Error("Failed to complete orphaned task", "task_id", task.ID, "error", err)
				continue
			}
			slog.Info("Orphaned task resolved to completed",
				"task_id", task.ID, "job_id", task.JobID, "stage", task.Stage,
				"output_uri", uri)
			completed++
			continue
		}

		moved, err := s.tasks.Fail(ctx, task.ID, orphanError)
		if err != nil {
			slog.Error("Failed to fail orphaned task", "task_id", task.ID, "error", err)
			continue
		}
		if !moved {
			continue // a late report beat the sweep; its flow settles the job
		}
		slog.Warn("Orphaned task failed, output never materialized",
			"task_id", task.ID, "job_id", task.JobID, "stage", task.Stage)
		failed++
		if err := s.publisher.Publish(ctx, events.TaskFailed(task.ID, task.JobID, task.Stage, orphanError, "")); err != nil {
			// Picked up by republishOrphanFailures next sweep.
			slog.Error("Failed to publish orphan failure", "task_id", task.ID, "error", err)
		}
	}
	return completed, failed
}

// activelyClaimed reports whether any pending entry for the task still
// represents live work: a fresh delivery, or an owner that is alive. A
// healthy slow engine keeps its claim regardless of idle time.
func (s *Service) activelyClaimed(ctx context.Context, entries []pelEntry) (bool, error) {
	for _, e := range entries {
		if e.Idle <= s.cfg.Reconciler.StaleThreshold {
			return true, nil
		}
		alive, err := s.registry.IsAlive(ctx, e.Consumer)
		if err != nil {
			return false, err
		}
		if alive {
			return true, nil
		}
	}
	return false, nil
}

// ackSettled removes pending entries whose task already reached a terminal
// state. Entries for ready or running tasks are never ACKed here; that would
// destroy in-flight work. Entries whose body was trimmed away or whose task
// row is gone are unresolvable and ACKed too, nothing can ever act on them.
func (s *Service) ackSettled(ctx context.Context, entries []pelEntry) int {
	n := 0
	for _, e := range entries {
		if e.TaskID == "" {
			if s.ack(ctx, e, "trimmed") {
				n++
			}
			continue
		}
		task, err := s.tasks.GetTask(ctx, e.TaskID)
		if errors.Is(err, services.ErrNotFound) {
			if s.ack(ctx, e, "dangling") {
				n++
			}
			continue
		}
		if err != nil {
			slog.Error("Failed to load task for pending entry",
				"task_id", e.TaskID, "message_id", e.MessageID, "error", err)
			continue
		}
		if !task.Status.Terminal() {
			continue
		}
		if s.ack(ctx, e, string(task.Status)) {
			n++
		}
	}
	return n
}

func (s *Service) ack(ctx context.Context, e pelEntry, reason string) bool {
	if err := s.queue.Ack(ctx, e.stage, e.MessageID); err != nil {
		slog.Error("Failed to ack pending entry",
			"message_id", e.MessageID, "stage", e.stage, "reason", reason, "error", err)
		return false
	}
	slog.Debug("Acked settled entry",
		"message_id", e.MessageID, "stage", e.stage, "task_id", e.TaskID, "reason", reason)
	return true
}

// recoverStranded re-enqueues ready tasks whose claim sits idle past the
// stale threshold under a dead consumer. The replacement message is appended
// before the stale entry is ACKed: a crash between the two leaves a
// duplicate, which the recovery guard suppresses, rather than a lost task.
func (s *Service) recoverStranded(ctx context.Context, entries []pelEntry) int {
	n := 0
	for _, e := range entries {
		if e.TaskID == "" || e.Idle <= s.cfg.Reconciler.StaleThreshold {
			continue
		}
		alive, err := s.registry.IsAlive(ctx, e.Consumer)
		if err != nil {
			slog.Warn("Skipping stranded entry, liveness check failed",
				"message_id", e.MessageID, "consumer", e.Consumer, "error", err)
			continue
		}
		if alive {
			continue
		}

		task, err := s.tasks.GetTask(ctx, e.TaskID)
		if errors.Is(err, services.ErrNotFound) {
			continue // ackSettled already retired the dangling entry
		}
		if err != nil {
			slog.Error("Failed to load task for stranded entry",
				"task_id", e.TaskID, "error", err)
			continue
		}
		if task.Status != models.TaskStatusReady {
			continue
		}

		msg := queue.Message{
			TaskID:    task.ID,
			JobID:     task.JobID,
			EngineID:  task.EngineID,
			RequestID: e.RequestID,
		}
		if _, _, err := s.queue.Add(ctx, e.stage, msg, recoverEnqueueKey(task.ID, e.MessageID)); err != nil {
			slog.Error("Failed to re-enqueue stranded task", "task_id", task.ID, "error", err)
			continue
		}
		if err := s.queue.Ack(ctx, e.stage, e.MessageID); err != nil {
			slog.Error("Failed to ack stale entry after recovery",
				"task_id", task.ID, "message_id", e.MessageID, "error", err)
			continue
		}
		slog.Info("Recovered task stranded by dead engine",
			"task_id", task.ID, "job_id", task.JobID, "stage", e.stage,
			"dead_consumer", e.Consumer)
		n++
	}
	return n
}

// recoverEnqueueKey dedupes recovery re-enqueues per stale message, so a
// sweep that crashed between append and ACK does not append twice.
func recoverEnqueueKey(taskID, messageID string) string {
	return fmt.Sprintf("dalston:task:recover-enqueue:%s:%s", taskID, messageID)
}
