package services

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dalston-ai/dalston/pkg/models"
)

// JobService manages job rows. All status writes are conditional so that
// replayed events and concurrent orchestrator processes cannot regress a
// job's lifecycle.
type JobService struct {
	db *stdsql.DB
}

// NewJobService creates a new JobService
func NewJobService(db *stdsql.DB) *JobService {
	return &JobService{db: db}
}

const jobColumns = `id, tenant_id, status, audio_uri, parameters,
	audio_format, audio_duration_seconds, sample_rate, channels, bit_depth,
	created_at, started_at, completed_at, error,
	retention_mode, retention_hours, purge_after, retry_count,
	result_language_code, result_word_count, result_segment_count,
	result_speaker_count, result_character_count`

// CreateJob persists a new job in status pending and returns it.
func (s *JobService) CreateJob(httpCtx context.Context, req models.CreateJobRequest) (*models.Job, error) {
	if req.TenantID == "" {
		return nil, NewValidationError("tenant_id", "required")
	}
	if req.AudioURI == "" {
		return nil, NewValidationError("audio_uri", "required")
	}
	mode := req.RetentionMode
	if mode == "" {
		mode = models.RetentionNone
	}
	switch mode {
	case models.RetentionAutoDelete, models.RetentionKeep, models.RetentionNone:
	default:
		return nil, NewValidationError("retention_mode", "must be auto_delete, keep, or none")
	}
	if mode == models.RetentionAutoDelete && req.RetentionHours <= 0 {
		return nil, NewValidationError("retention_hours", "required for auto_delete")
	}

	params, err := json.Marshal(orEmptyMap(req.Parameters))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameters: %w", err)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, status, audio_uri, parameters,
			audio_format, audio_duration_seconds, sample_rate, channels, bit_depth,
			retention_mode, retention_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id, req.TenantID, models.JobStatusPending, req.AudioURI, params,
		nullString(req.Audio.Format), nullFloat(req.Audio.DurationSeconds),
		nullInt(req.Audio.SampleRate), nullInt(req.Audio.Channels), nullInt(req.Audio.BitDepth),
		mode, req.RetentionHours)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return s.GetJob(ctx, id)
}

// GetJob retrieves a job by ID.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filters, newest first.
func (s *JobService) ListJobs(ctx context.Context, filters models.JobFilters) ([]*models.Job, error) {
	where := []string{}
	args := []any{}
	if filters.TenantID != "" {
		args = append(args, filters.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filters.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// TransitionStatus conditionally moves a job between states. Returns true
// iff this call performed the transition; false means the job was not in
// any of the from states (caller consults current state for replays).
// started_at is stamped on the first move into running, completed_at on any
// move into a terminal state.
func (s *JobService) TransitionStatus(ctx context.Context, jobID string, to models.JobStatus, from ...models.JobStatus) (bool, error) {
	if len(from) == 0 {
		return false, NewValidationError("from", "at least one source status required")
	}

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	args := []any{to, jobID}
	placeholders := make([]string, len(from))
	for i, st := range from {
		args = append(args, st)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := `UPDATE jobs SET status = $1`
	if to == models.JobStatusRunning {
		query += `, started_at = COALESCE(started_at, now())`
	}
	if to.Terminal() {
		query += `, completed_at = COALESCE(completed_at, now())`
	}
	query += ` WHERE id = $2 AND status IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := s.db.ExecContext(writeCtx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// FailJob moves a non-terminal job to failed with the given error string.
// Returns true iff this call performed the transition.
func (s *JobService) FailJob(ctx context.Context, jobID, errMsg string) (bool, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `
		UPDATE jobs SET status = $1, error = $2, completed_at = COALESCE(completed_at, now())
		WHERE id = $3 AND status NOT IN ($4, $5, $6)`,
		models.JobStatusFailed, errMsg, jobID,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled)
	if err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// SetResult persists the result summary extracted from the merge output.
func (s *JobService) SetResult(ctx context.Context, jobID string, result models.ResultSummary) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(writeCtx, `
		UPDATE jobs SET result_language_code = $1, result_word_count = $2,
			result_segment_count = $3, result_speaker_count = $4, result_character_count = $5
		WHERE id = $6`,
		nullString(result.LanguageCode), result.WordCount, result.SegmentCount,
		result.SpeakerCount, result.CharacterCount, jobID)
	if err != nil {
		return fmt.Errorf("failed to set job result: %w", err)
	}
	return nil
}

// SetPurgeAfter stamps the retention deadline computed at terminal success.
func (s *JobService) SetPurgeAfter(ctx context.Context, jobID string, purgeAfter time.Time) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(writeCtx,
		`UPDATE jobs SET purge_after = $1 WHERE id = $2`, purgeAfter, jobID)
	if err != nil {
		return fmt.Errorf("failed to set purge_after: %w", err)
	}
	return nil
}

// ResetForRetry prepares a failed job for re-submission: clears the error,
// timestamps, and result, bumps retry_count, and returns the job to pending.
// The caller is responsible for removing the previous attempt's tasks.
func (s *JobService) ResetForRetry(ctx context.Context, jobID string) (bool, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `
		UPDATE jobs SET status = $1, error = NULL, started_at = NULL, completed_at = NULL,
			purge_after = NULL, retry_count = retry_count + 1,
			result_language_code = NULL, result_word_count = NULL, result_segment_count = NULL,
			result_speaker_count = NULL, result_character_count = NULL
		WHERE id = $2 AND status = $3`,
		models.JobStatusPending, jobID, models.JobStatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to reset job for retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// DeleteJob removes the job row. Tasks cascade at the schema level.
func (s *JobService) DeleteJob(ctx context.Context, jobID string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPurgeable returns terminal jobs whose purge_after deadline has passed.
func (s *JobService) ListPurgeable(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE purge_after IS NOT NULL AND purge_after < $1
		  AND status IN ($2, $3, $4)
		ORDER BY purge_after ASC LIMIT $5`,
		now, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purgeable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job        models.Job
		params     []byte
		format     stdsql.NullString
		duration   stdsql.NullFloat64
		sampleRate stdsql.NullInt64
		channels   stdsql.NullInt64
		bitDepth   stdsql.NullInt64
		startedAt  stdsql.NullTime
		doneAt     stdsql.NullTime
		errMsg     stdsql.NullString
		purgeAfter stdsql.NullTime
		lang       stdsql.NullString
		words      stdsql.NullInt64
		segments   stdsql.NullInt64
		speakers   stdsql.NullInt64
		chars      stdsql.NullInt64
	)

	err := row.Scan(&job.ID, &job.TenantID, &job.Status, &job.AudioURI, &params,
		&format, &duration, &sampleRate, &channels, &bitDepth,
		&job.CreatedAt, &startedAt, &doneAt, &errMsg,
		&job.RetentionMode, &job.RetentionHours, &purgeAfter, &job.RetryCount,
		&lang, &words, &segments, &speakers, &chars)
	if err != nil {
		return nil, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	job.Audio = models.AudioMetadata{
		Format:          format.String,
		DurationSeconds: duration.Float64,
		SampleRate:      int(sampleRate.Int64),
		Channels:        int(channels.Int64),
		BitDepth:        int(bitDepth.Int64),
	}
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(doneAt)
	job.PurgeAfter = timePtr(purgeAfter)
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	if lang.Valid || words.Valid || segments.Valid || speakers.Valid || chars.Valid {
		job.Result = &models.ResultSummary{
			LanguageCode:   lang.String,
			WordCount:      int(words.Int64),
			SegmentCount:   int(segments.Int64),
			SpeakerCount:   int(speakers.Int64),
			CharacterCount: int(chars.Int64),
		}
	}
	return &job, nil
}

func timePtr(t stdsql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func nullInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// isUniqueViolation detects PostgreSQL unique constraint errors (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
