package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/storage"
)

// retryGuardTTL bounds how long a crashed retry can hold the per-job retry
// guard before another attempt may proceed.
const retryGuardTTL = time.Minute

// submitJobHandler handles POST /api/v1/jobs.
// Persists the job in "pending" status, occupies a tenant slot, and publishes
// job.created for the orchestrator. Returns immediately with the job id.
func (s *Server) submitJobHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	reqID := requestIDFrom(c)

	// 2. Fill the retention window for auto_delete when the caller omitted it
	if req.RetentionMode == models.RetentionAutoDelete && req.RetentionHours <= 0 {
		req.RetentionHours = s.cfg.Retention.DefaultRetentionHours
	}

	// 3. Enforce the per-tenant active-job cap
	if limit := s.cfg.Jobs.MaxActiveJobsPerTenant; limit > 0 && req.TenantID != "" {
		active, err := s.counters.ActiveJobs(c.Request.Context(), req.TenantID)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		if active >= int64(limit) {
			writeError(c, http.StatusTooManyRequests,
				fmt.Sprintf("tenant has %d active jobs, limit is %d", active, limit))
			return
		}
	}

	// 4. Persist the job through the service
	job, err := s.jobs.CreateJob(c.Request.Context(), models.CreateJobRequest{
		TenantID:       req.TenantID,
		AudioURI:       req.AudioURI,
		Parameters:     req.Parameters,
		Audio:          req.Audio,
		RetentionMode:  req.RetentionMode,
		RetentionHours: req.RetentionHours,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 5. Occupy the tenant slot; released exactly once at the terminal event
	if _, err := s.counters.IncrActiveJobs(c.Request.Context(), job.TenantID); err != nil {
		slog.Warn("Failed to increment active-jobs counter",
			"job_id", job.ID, "tenant_id", job.TenantID, "error", err)
	}

	// 6. Hand the job to the orchestrator. Without the durable event no
	// scheduler will ever see the row, so a publish failure fails the job
	// rather than leaving it pending forever.
	if err := s.publisher.Publish(c.Request.Context(), events.JobCreated(job.ID, job.TenantID, reqID)); err != nil {
		slog.Error("Failed to publish job.created", "job_id", job.ID, "error", err)
		s.abandonUndispatched(job, "job was accepted but could not be dispatched for scheduling")
		writeError(c, http.StatusServiceUnavailable, "failed to dispatch job, retry the submission")
		return
	}

	// 7. Return response
	c.JSON(http.StatusAccepted, &SubmitJobResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Job submitted for processing",
	})
}

// abandonUndispatched fails a job whose job.created event never reached the
// durable stream and gives back its tenant slot. The job has no tasks, so no
// replayed event can ever settle it again or double-release the slot.
func (s *Server) abandonUndispatched(job *models.Job, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.jobs.FailJob(ctx, job.ID, reason); err != nil {
		slog.Error("Failed to mark undispatched job failed", "job_id", job.ID, "error", err)
	}
	if _, err := s.counters.DecrActiveJobs(ctx, job.TenantID); err != nil {
		slog.Warn("Failed to release active-jobs counter",
			"job_id", job.ID, "tenant_id", job.TenantID, "error", err)
	}
}

// listJobsHandler handles GET /api/v1/jobs.
func (s *Server) listJobsHandler(c *gin.Context) {
	filters := models.JobFilters{TenantID: extractTenant(c)}

	if v := c.Query("status"); v != "" {
		switch st := models.JobStatus(v); st {
		case models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted,
			models.JobStatusFailed, models.JobStatusCancelling, models.JobStatusCancelled:
			filters.Status = st
		default:
			writeError(c, http.StatusBadRequest, "invalid status: "+v)
			return
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.Offset = n
		}
	}

	jobs, err := s.jobs.ListJobs(c.Request.Context(), filters)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, &JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// getJobHandler handles GET /api/v1/jobs/:id.
func (s *Server) getJobHandler(c *gin.Context) {
	jobID := c.Param("id")

	job, err := s.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if tenantMismatch(c, job) {
		writeError(c, http.StatusNotFound, "resource not found")
		return
	}

	tasks, err := s.tasks.ListByJob(c.Request.Context(), jobID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, &JobDetailResponse{Job: job, Tasks: tasks})
}

// cancelJobHandler handles POST /api/v1/jobs/:id/cancel.
// Publishes job.cancel_requested; the orchestrator performs the soft cancel
// and settles the job once running work has drained.
func (s *Server) cancelJobHandler(c *gin.Context) {
	jobID := c.Param("id")

	job, err := s.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if tenantMismatch(c, job) {
		writeError(c, http.StatusNotFound, "resource not found")
		return
	}
	if job.Status.Terminal() {
		writeError(c, http.StatusConflict, "job is not in a cancellable state")
		return
	}

	reqID := requestIDFrom(c)
	if err := s.publisher.Publish(c.Request.Context(), events.JobCancelRequested(jobID, reqID)); err != nil {
		slog.Error("Failed to publish job.cancel_requested", "job_id", jobID, "error", err)
		writeError(c, http.StatusServiceUnavailable, "failed to request cancellation, retry")
		return
	}

	c.JSON(http.StatusOK, &CancelResponse{
		JobID:   jobID,
		Message: "Job cancellation requested",
	})
}

// retryJobHandler handles POST /api/v1/jobs/:id/retry.
// Permitted only for failed jobs with retry budget left whose source audio
// has not been purged. Old task rows are dropped so the replayed job.created
// rebuilds the graph from scratch under retry_count+1.
func (s *Server) retryJobHandler(c *gin.Context) {
	jobID := c.Param("id")
	ctx := c.Request.Context()

	// 1. Validate the job is retryable
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if tenantMismatch(c, job) {
		writeError(c, http.StatusNotFound, "resource not found")
		return
	}
	if job.Status != models.JobStatusFailed {
		writeError(c, http.StatusConflict, "only failed jobs can be retried")
		return
	}
	if job.RetryCount >= s.cfg.Jobs.MaxJobRetries {
		writeError(c, http.StatusConflict,
			fmt.Sprintf("retry limit of %d reached", s.cfg.Jobs.MaxJobRetries))
		return
	}

	// 2. The source audio may have been purged by retention
	exists, err := s.store.Exists(ctx, job.AudioURI)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !exists {
		writeError(c, http.StatusGone, "source audio is no longer available")
		return
	}

	// 3. Serialize concurrent retries of the same job; otherwise a second
	// caller could wipe the task graph the first one's replay just built
	guardKey := "dalston:job:retry:" + jobID
	won, err := s.guard.Acquire(ctx, guardKey, retryGuardTTL)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !won {
		writeError(c, http.StatusConflict, "a retry of this job is already in progress")
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.guard.Release(releaseCtx, guardKey); err != nil {
			slog.Warn("Failed to release retry guard", "job_id", jobID, "error", err)
		}
	}()

	// 4. Drop the old task rows first: if anything below fails the job is
	// still failed and the retry can simply be invoked again
	if _, err := s.tasks.DeleteByJob(ctx, jobID); err != nil {
		writeServiceError(c, err)
		return
	}

	// 5. Reset the row; the conditional update loses gracefully if the job
	// left failed in the meantime
	moved, err := s.jobs.ResetForRetry(ctx, jobID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !moved {
		writeError(c, http.StatusConflict, "job is no longer in a retryable state")
		return
	}

	// 6. The new generation occupies a tenant slot again
	if _, err := s.counters.IncrActiveJobs(ctx, job.TenantID); err != nil {
		slog.Warn("Failed to increment active-jobs counter",
			"job_id", jobID, "tenant_id", job.TenantID, "error", err)
	}

	// 7. Re-publish job.created; on failure put the job back to failed so
	// the retry stays invokable instead of wedging in pending
	reqID := requestIDFrom(c)
	if err := s.publisher.Publish(ctx, events.JobCreated(jobID, job.TenantID, reqID)); err != nil {
		slog.Error("Failed to publish job.created for retry", "job_id", jobID, "error", err)
		s.abandonUndispatched(job, "retry was accepted but could not be dispatched for scheduling")
		writeError(c, http.StatusServiceUnavailable, "failed to dispatch retry, retry the request")
		return
	}

	slog.Info("Job retry dispatched",
		"job_id", jobID, "tenant_id", job.TenantID,
		"retry_count", job.RetryCount+1, "request_id", reqID)

	c.JSON(http.StatusAccepted, &RetryResponse{
		JobID:      jobID,
		Status:     models.JobStatusPending,
		RetryCount: job.RetryCount + 1,
	})
}

// deleteJobHandler handles DELETE /api/v1/jobs/:id.
// Permitted only in a terminal state. Artifacts go first so a partial failure
// leaves the row behind and the delete stays invokable; task rows cascade.
func (s *Server) deleteJobHandler(c *gin.Context) {
	jobID := c.Param("id")
	ctx := c.Request.Context()

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if tenantMismatch(c, job) {
		writeError(c, http.StatusNotFound, "resource not found")
		return
	}
	if !job.Status.Terminal() {
		writeError(c, http.StatusConflict, "only jobs in a terminal state can be deleted")
		return
	}

	deleted, err := s.store.DeletePrefix(ctx, storage.JobPrefix(jobID))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	if err := s.jobs.DeleteJob(ctx, jobID); err != nil {
		writeServiceError(c, err)
		return
	}

	slog.Info("Job deleted", "job_id", jobID, "tenant_id", job.TenantID, "artifacts_deleted", deleted)

	c.JSON(http.StatusOK, &DeleteResponse{JobID: jobID, ArtifactsDeleted: deleted})
}
