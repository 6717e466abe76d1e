package services

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dalston-ai/dalston/pkg/models"
)

// TaskService manages task rows. Every lifecycle write is a conditional
// UPDATE keyed on the current status so that events replayed at-least-once,
// in any order, from any orchestrator process, converge on the same state.
type TaskService struct {
	db *stdsql.DB
}

// NewTaskService creates a new TaskService
func NewTaskService(db *stdsql.DB) *TaskService {
	return &TaskService{db: db}
}

const taskColumns = `id, job_id, stage, engine_id, status, dependencies, config,
	input_uri, output_uri, retries, max_retries, required, error,
	created_at, started_at, completed_at`

// CreateTasks persists a job's full task graph in one transaction, all rows
// in status pending. Either every task lands or none do.
func (s *TaskService) CreateTasks(httpCtx context.Context, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return NewValidationError("tasks", "at least one task required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		deps, err := json.Marshal(orEmptySlice(task.Dependencies))
		if err != nil {
			return fmt.Errorf("failed to marshal dependencies: %w", err)
		}
		cfg, err := json.Marshal(orEmptyMap(task.Config))
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, job_id, stage, engine_id, status, dependencies, config,
				max_retries, required)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			task.ID, task.JobID, task.Stage, task.EngineID, models.TaskStatusPending,
			deps, cfg, task.MaxRetries, task.Required)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("failed to create task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tasks: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *TaskService) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListByJob returns all tasks of a job in creation order.
func (s *TaskService) ListByJob(ctx context.Context, jobID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// HasTasks reports whether any task exists for the job. The scheduler uses
// this to detect a replayed job.created before rebuilding the DAG.
func (s *TaskService) HasTasks(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE job_id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tasks: %w", err)
	}
	return exists, nil
}

// Promote conditionally moves a task pending → ready. Returns true iff this
// call performed the move.
func (s *TaskService) Promote(ctx context.Context, taskID string) (bool, error) {
	return s.conditionalUpdate(ctx, `
		UPDATE tasks SET status = $1 WHERE id = $2 AND status = $3`,
		models.TaskStatusReady, taskID, models.TaskStatusPending)
}

// Claim conditionally moves a task ready → running and stamps started_at on
// the first claim. Zero rows means the task was not ready; the caller
// consults the current status to distinguish a replay from a stale claim.
func (s *TaskService) Claim(ctx context.Context, taskID string) (bool, error) {
	return s.conditionalUpdate(ctx, `
		UPDATE tasks SET status = $1, started_at = COALESCE(started_at, now())
		WHERE id = $2 AND status = $3`,
		models.TaskStatusRunning, taskID, models.TaskStatusReady)
}

// Complete moves a non-terminal task to completed, records the output URI,
// and clears any residual error from a prior failed attempt.
func (s *TaskService) Complete(ctx context.Context, taskID, outputURI string) (bool, error) {
	return s.conditionalUpdate(ctx, `
		UPDATE tasks SET status = $1, output_uri = COALESCE(NULLIF($2, ''), output_uri),
			error = NULL, completed_at = COALESCE(completed_at, now())
		WHERE id = $3 AND status IN ($4, $5, $6)`,
		models.TaskStatusCompleted, outputURI, taskID,
		models.TaskStatusPending, models.TaskStatusReady, models.TaskStatusRunning)
}

// Retry atomically increments the retry counter and returns the task to
// ready, but only while an attempt is still available. Returns the new
// retry count when this call performed the move.
func (s *TaskService) Retry(ctx context.Context, taskID string) (int, bool, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var retries int
	err := s.db.QueryRowContext(writeCtx, `
		UPDATE tasks SET status = $1, retries = retries + 1
		WHERE id = $2 AND status = $3 AND retries < max_retries
		RETURNING retries`,
		models.TaskStatusReady, taskID, models.TaskStatusRunning).Scan(&retries)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to retry task: %w", err)
	}
	return retries, true, nil
}

// Fail moves a running task to failed with the given error string.
func (s *TaskService) Fail(ctx context.Context, taskID, errMsg string) (bool, error) {
	return s.conditionalUpdate(ctx, `
		UPDATE tasks SET status = $1, error = $2, completed_at = COALESCE(completed_at, now())
		WHERE id = $3 AND status = $4`,
		models.TaskStatusFailed, errMsg, taskID, models.TaskStatusRunning)
}

// Skip moves a running optional task to skipped after retry exhaustion.
func (s *TaskService) Skip(ctx context.Context, taskID, errMsg string) (bool, error) {
	return s.conditionalUpdate(ctx, `
		UPDATE tasks SET status = $1, error = $2, completed_at = COALESCE(completed_at, now())
		WHERE id = $3 AND status = $4`,
		models.TaskStatusSkipped, errMsg, taskID, models.TaskStatusRunning)
}

// CancelPending cancels every pending and ready task of a job and returns
// how many rows moved. Running tasks are left alone; cancellation is soft.
func (s *TaskService) CancelPending(ctx context.Context, jobID string) (int, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `
		UPDATE tasks SET status = $1, error = $2, completed_at = COALESCE(completed_at, now())
		WHERE job_id = $3 AND status IN ($4, $5)`,
		models.TaskStatusCancelled, "Job cancelled", jobID,
		models.TaskStatusPending, models.TaskStatusReady)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// SetInput records the input artifact URI resolved at enqueue time.
func (s *TaskService) SetInput(ctx context.Context, taskID, inputURI string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(writeCtx,
		`UPDATE tasks SET input_uri = $1 WHERE id = $2`, inputURI, taskID)
	if err != nil {
		return fmt.Errorf("failed to set task input: %w", err)
	}
	return nil
}

// FindOrphanedRunning returns tasks stuck in running for longer than the
// threshold. The reconciler cross-checks them against the queue PEL.
func (s *TaskService) FindOrphanedRunning(ctx context.Context, olderThan time.Duration) ([]*models.Task, error) {
	threshold := time.Now().Add(-olderThan)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND started_at IS NOT NULL AND started_at < $2`,
		models.TaskStatusRunning, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// FindUnreportedFailed returns failed tasks carrying the given error message
// whose job has not reached a terminal state. The reconciler uses it to
// re-emit failure events that were lost between settling a task and
// publishing its event.
func (s *TaskService) FindUnreportedFailed(ctx context.Context, errMsg string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND error = $2
		  AND job_id IN (SELECT id FROM jobs WHERE status NOT IN ($3, $4, $5))`,
		models.TaskStatusFailed, errMsg,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to find unreported failed tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteByJob removes all tasks of a job. Used when a failed job is reset
// for retry so the scheduler can rebuild the DAG from scratch.
func (s *TaskService) DeleteByJob(ctx context.Context, jobID string) (int, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `DELETE FROM tasks WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

func (s *TaskService) conditionalUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed conditional task update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task      models.Task
		deps      []byte
		cfg       []byte
		inputURI  stdsql.NullString
		outputURI stdsql.NullString
		errMsg    stdsql.NullString
		startedAt stdsql.NullTime
		doneAt    stdsql.NullTime
	)

	err := row.Scan(&task.ID, &task.JobID, &task.Stage, &task.EngineID, &task.Status,
		&deps, &cfg, &inputURI, &outputURI, &task.Retries, &task.MaxRetries,
		&task.Required, &errMsg, &task.CreatedAt, &startedAt, &doneAt)
	if err != nil {
		return nil, err
	}

	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &task.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
		}
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &task.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if inputURI.Valid {
		task.InputURI = &inputURI.String
	}
	if outputURI.Valid {
		task.OutputURI = &outputURI.String
	}
	if errMsg.Valid {
		task.Error = &errMsg.String
	}
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(doneAt)
	return &task, nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
