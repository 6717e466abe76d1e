package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/api"
	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/queue"
	"github.com/dalston-ai/dalston/pkg/storage"
)

const (
	waitTimeout  = 30 * time.Second
	pollInterval = 100 * time.Millisecond
)

// ────────────────────────────── HTTP drivers ──────────────────────────────

// SubmitJob posts a job to the gateway and asserts acceptance.
func (app *TestApp) SubmitJob(t *testing.T, req api.SubmitJobRequest) api.SubmitJobResponse {
	t.Helper()
	var resp api.SubmitJobResponse
	app.postJSON(t, "/api/v1/jobs", req, http.StatusAccepted, &resp)
	require.NotEmpty(t, resp.JobID)
	return resp
}

// GetJob fetches a job with its tasks.
func (app *TestApp) GetJob(t *testing.T, jobID string) api.JobDetailResponse {
	t.Helper()
	var resp api.JobDetailResponse
	app.getJSON(t, "/api/v1/jobs/"+jobID, http.StatusOK, &resp)
	return resp
}

// CancelJob requests cancellation and asserts acceptance.
func (app *TestApp) CancelJob(t *testing.T, jobID string) api.CancelResponse {
	t.Helper()
	var resp api.CancelResponse
	app.postJSON(t, "/api/v1/jobs/"+jobID+"/cancel", nil, http.StatusOK, &resp)
	return resp
}

// RetryJob requests a retry of a failed job and asserts acceptance.
func (app *TestApp) RetryJob(t *testing.T, jobID string) api.RetryResponse {
	t.Helper()
	var resp api.RetryResponse
	app.postJSON(t, "/api/v1/jobs/"+jobID+"/retry", nil, http.StatusAccepted, &resp)
	return resp
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int, out any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	app.do(t, http.MethodPost, path, &buf, expectedStatus, out)
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int, out any) {
	t.Helper()
	app.do(t, http.MethodGet, path, nil, expectedStatus, out)
}

func (app *TestApp) do(t *testing.T, method, path string, body io.Reader, expectedStatus int, out any) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, expectedStatus, resp.StatusCode, "%s %s: unexpected status", method, path)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

// ─────────────────────────────── Waiters ──────────────────────────────────

// WaitForJobStatus polls the gateway until the job reaches the wanted status.
func (app *TestApp) WaitForJobStatus(t *testing.T, jobID string, want models.JobStatus) api.JobDetailResponse {
	t.Helper()
	var resp api.JobDetailResponse
	require.Eventually(t, func() bool {
		resp = app.GetJob(t, jobID)
		return resp.Status == want
	}, waitTimeout, pollInterval, "job %s never reached %s", jobID, want)
	return resp
}

// WaitForTaskStatus polls until the job's task for the stage reaches the
// wanted status.
func (app *TestApp) WaitForTaskStatus(t *testing.T, jobID, stage string, want models.TaskStatus) *models.Task {
	t.Helper()
	var task *models.Task
	require.Eventually(t, func() bool {
		task = app.TaskByStage(t, jobID, stage)
		return task.Status == want
	}, waitTimeout, pollInterval, "task %s of job %s never reached %s", stage, jobID, want)
	return task
}

// WaitForDurableEvent polls the durable stream until an event of the given
// type exists for the job and returns it. The terminal event is the last
// side effect of a settle, so state read after it is stable.
func (app *TestApp) WaitForDurableEvent(t *testing.T, eventType, jobID string) events.Event {
	t.Helper()
	var found events.Event
	require.Eventually(t, func() bool {
		for _, ev := range app.DurableEventsOfType(t, eventType) {
			if ev.JobID == jobID {
				found = ev
				return true
			}
		}
		return false
	}, waitTimeout, pollInterval, "no durable %s event for job %s", eventType, jobID)
	return found
}

// ─────────────────────────── State inspection ─────────────────────────────

// TaskByStage returns the job's task for the given stage.
func (app *TestApp) TaskByStage(t *testing.T, jobID, stage string) *models.Task {
	t.Helper()
	tasks, err := app.Tasks.ListByJob(context.Background(), jobID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Stage == stage {
			return task
		}
	}
	t.Fatalf("no task for stage %s in job %s", stage, jobID)
	return nil
}

// SeedAudio stores audio bytes under the key and returns the artifact URI.
func (app *TestApp) SeedAudio(t *testing.T, key string, data []byte) string {
	t.Helper()
	uri, err := app.Store.Put(context.Background(), key, data)
	require.NoError(t, err)
	return uri
}

// ReadTaskInput decodes the input artifact the orchestrator staged for a task.
func (app *TestApp) ReadTaskInput(t *testing.T, jobID, taskID string) models.TaskInput {
	t.Helper()
	data, err := app.Store.Get(context.Background(), app.Store.URI(storage.InputKey(jobID, taskID)))
	require.NoError(t, err)
	var input models.TaskInput
	require.NoError(t, json.Unmarshal(data, &input))
	return input
}

// DurableEventsOfType returns every event of the given type currently on the
// durable stream, oldest first.
func (app *TestApp) DurableEventsOfType(t *testing.T, eventType string) []events.Event {
	t.Helper()
	entries, err := app.Redis.XRange(context.Background(), events.Stream, "-", "+").Result()
	require.NoError(t, err)
	var out []events.Event
	for _, entry := range entries {
		raw, ok := entry.Values["event"].(string)
		if !ok {
			continue
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(raw), &ev))
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// ActiveJobs returns the tenant's active-job counter.
func (app *TestApp) ActiveJobs(t *testing.T, tenantID string) int64 {
	t.Helper()
	n, err := app.Counters.ActiveJobs(context.Background(), tenantID)
	require.NoError(t, err)
	return n
}

// StreamLen returns the length of a stage stream.
func (app *TestApp) StreamLen(t *testing.T, stage string) int64 {
	t.Helper()
	n, err := app.Queue.StreamLen(context.Background(), stage)
	require.NoError(t, err)
	return n
}

// PendingEntries returns the stage's unacknowledged deliveries.
func (app *TestApp) PendingEntries(t *testing.T, stage string) []queue.PendingEntry {
	t.Helper()
	entries, err := app.Queue.Pending(context.Background(), stage)
	require.NoError(t, err)
	return entries
}

// BackdateTaskStart rewrites a task's started_at so the next sweep sees it as
// old. miniredis FastForward ages the Redis side; this ages the row.
func (app *TestApp) BackdateTaskStart(t *testing.T, taskID string, age time.Duration) {
	t.Helper()
	_, err := app.DBClient.DB().ExecContext(context.Background(),
		`UPDATE tasks SET started_at = now() - make_interval(secs => $1) WHERE id = $2`,
		age.Seconds(), taskID)
	require.NoError(t, err)
}

// Sweep runs one reconciliation pass synchronously.
func (app *TestApp) Sweep(t *testing.T) {
	t.Helper()
	require.NoError(t, app.Reconciler.Sweep(context.Background()))
}
