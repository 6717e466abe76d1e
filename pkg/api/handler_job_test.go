package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/broker"
	"github.com/dalston-ai/dalston/pkg/config"
	"github.com/dalston-ai/dalston/pkg/database"
	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/registry"
	"github.com/dalston-ai/dalston/pkg/services"
	"github.com/dalston-ai/dalston/pkg/storage"
	"github.com/dalston-ai/dalston/test/util"
)

func testConfig() *config.Config {
	return &config.Config{
		RuntimeByStage: config.GetBuiltinConfig().RuntimeByStage,
		Queue: &config.QueueConfig{
			StreamMaxLen:    1000,
			ReadBlock:       50 * time.Millisecond,
			TaskTimeout:     30 * time.Minute,
			IdempotencyTTL:  2 * time.Hour,
			CancelMarkerTTL: time.Hour,
		},
		Events: &config.EventsConfig{
			StreamMaxLen: 1000,
			ReadBlock:    50 * time.Millisecond,
		},
		Registry:  config.DefaultRegistryConfig(),
		Retention: config.DefaultRetentionConfig(),
		Jobs: &config.JobsConfig{
			MaxJobRetries:          3,
			TaskMaxRetries:         2,
			MaxActiveJobsPerTenant: 2,
		},
		Catalog: config.NewCatalogRegistry(map[string]*config.ModelEntry{
			"general": {
				Aliases:        []string{"default"},
				Runtime:        "whisper-ct2",
				RuntimeModelID: "large-v3",
			},
			"english-fast": {
				Runtime:      "conformer-ctc",
				Capabilities: []string{config.CapabilityNativeWordTimestamps},
			},
		}),
	}
}

type harness struct {
	cfg      *config.Config
	engine   *gin.Engine
	db       *database.Client
	jobs     *services.JobService
	tasks    *services.TaskService
	reg      *registry.Registry
	store    *storage.MemoryStore
	counters *broker.Counters
	mr       *miniredis.Miniredis
	rdb      *redis.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	client := util.SetupTestDatabase(t)
	mr, rdb := util.SetupTestRedis(t)

	cfg := testConfig()
	h := &harness{
		cfg:      cfg,
		db:       client,
		jobs:     services.NewJobService(client.DB()),
		tasks:    services.NewTaskService(client.DB()),
		reg:      registry.NewRegistry(rdb, cfg.Registry),
		store:    storage.NewMemoryStore(),
		counters: broker.NewCounters(rdb),
		mr:       mr,
		rdb:      rdb,
	}
	srv := NewServer(cfg, client, rdb,
		h.jobs, h.tasks, h.reg, h.store,
		events.NewPublisher(rdb, cfg.Events),
		h.counters, broker.NewGuard(rdb))
	h.engine = srv.Handler()
	return h
}

// do runs one request through the full middleware and route stack.
func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *harness) durableEvents(t *testing.T) []events.Event {
	t.Helper()

	entries, err := h.rdb.XRange(context.Background(), events.Stream, "-", "+").Result()
	require.NoError(t, err)

	out := make([]events.Event, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Values["event"].(string)
		require.True(t, ok)
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(raw), &ev))
		out = append(out, ev)
	}
	return out
}

func (h *harness) activeJobs(t *testing.T, tenantID string) int64 {
	t.Helper()
	n, err := h.counters.ActiveJobs(context.Background(), tenantID)
	require.NoError(t, err)
	return n
}

func (h *harness) seedTask(t *testing.T, jobID string) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Stage:      models.StageTranscribe,
		EngineID:   "whisper-ct2",
		Status:     models.TaskStatusPending,
		MaxRetries: 2,
		Required:   true,
	}
	require.NoError(t, h.tasks.CreateTasks(context.Background(), []*models.Task{task}))
	return task
}

func submitBody(tenantID string) map[string]any {
	return map[string]any{
		"tenant_id":  tenantID,
		"audio_uri":  "mem://ingest/audio.wav",
		"parameters": map[string]any{"model": "general"},
	}
}

func TestSubmitJobPersistsAndPublishes(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/jobs", submitBody("tenant-1"), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, models.JobStatusPending, resp.Status)

	job, err := h.jobs.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", job.TenantID)
	assert.Equal(t, "mem://ingest/audio.wav", job.AudioURI)

	evs := h.durableEvents(t)
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventTypeJobCreated, evs[0].Type)
	assert.Equal(t, resp.JobID, evs[0].JobID)
	assert.Equal(t, "tenant-1", evs[0].TenantID)
	assert.NotEmpty(t, evs[0].RequestID)
	assert.Equal(t, w.Header().Get(requestIDHeader), evs[0].RequestID)

	assert.EqualValues(t, 1, h.activeJobs(t, "tenant-1"))
}

func TestSubmitJobDefaultsRetentionWindow(t *testing.T) {
	h := newHarness(t)

	body := submitBody("tenant-1")
	body["retention_mode"] = "auto_delete"

	w := h.do(t, http.MethodPost, "/api/v1/jobs", body, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	job, err := h.jobs.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.RetentionAutoDelete, job.RetentionMode)
	assert.Equal(t, h.cfg.Retention.DefaultRetentionHours, job.RetentionHours)
}

func TestSubmitJobValidationFailure(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"tenant_id": "tenant-1"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "audio_uri")

	assert.Empty(t, h.durableEvents(t))
	assert.Zero(t, h.activeJobs(t, "tenant-1"))
}

func TestSubmitJobEnforcesTenantCap(t *testing.T) {
	h := newHarness(t) // cap is 2

	for i := 0; i < 2; i++ {
		w := h.do(t, http.MethodPost, "/api/v1/jobs", submitBody("tenant-1"), nil)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}

	w := h.do(t, http.MethodPost, "/api/v1/jobs", submitBody("tenant-1"), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.EqualValues(t, 2, h.activeJobs(t, "tenant-1"))
	assert.Len(t, h.durableEvents(t), 2)

	// The cap is per tenant, not global.
	w = h.do(t, http.MethodPost, "/api/v1/jobs", submitBody("tenant-2"), nil)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestSubmitJobAdoptsCallerRequestID(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/jobs", submitBody("tenant-1"),
		map[string]string{requestIDHeader: "trace-42"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "trace-42", w.Header().Get(requestIDHeader))

	evs := h.durableEvents(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "trace-42", evs[0].RequestID)
}

func TestListJobsFilters(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		w := h.do(t, http.MethodPost, "/api/v1/jobs", submitBody("tenant-a"), nil)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}
	w := h.do(t, http.MethodPost, "/api/v1/jobs", submitBody("tenant-b"), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = h.do(t, http.MethodGet, "/api/v1/jobs", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all JobListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Equal(t, 3, all.Count)

	w = h.do(t, http.MethodGet, "/api/v1/jobs?tenant_id=tenant-a", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var scoped JobListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scoped))
	assert.Equal(t, 2, scoped.Count)
	for _, job := range scoped.Jobs {
		assert.Equal(t, "tenant-a", job.TenantID)
	}

	w = h.do(t, http.MethodGet, "/api/v1/jobs?status=pending", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending JobListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	assert.Equal(t, 3, pending.Count)

	w = h.do(t, http.MethodGet, "/api/v1/jobs?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobIncludesTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.jobs.CreateJob(ctx, models.CreateJobRequest{
		TenantID: "tenant-1",
		AudioURI: "mem://ingest/audio.wav",
	})
	require.NoError(t, err)
	h.seedTask(t, job.ID)
	h.seedTask(t, job.ID)

	w := h.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var detail JobDetailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, job.ID, detail.ID)
	assert.Len(t, detail.Tasks, 2)

	w = h.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetJobTenantIsolation(t *testing.T) {
	h := newHarness(t)

	job, err := h.jobs.CreateJob(context.Background(), models.CreateJobRequest{
		TenantID: "tenant-a",
		AudioURI: "mem://ingest/audio.wav",
	})
	require.NoError(t, err)

	w := h.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil,
		map[string]string{"X-Dalston-Tenant": "tenant-b"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil,
		map[string]string{"X-Dalston-Tenant": "tenant-a"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCancelJobPublishesCancelRequested(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/jobs", submitBody("tenant-1"), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created SubmitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = h.do(t, http.MethodPost, "/api/v1/jobs/"+created.JobID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CancelResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, created.JobID, resp.JobID)

	evs := h.durableEvents(t)
	require.Len(t, evs, 2)
	assert.Equal(t, events.EventTypeJobCancelRequested, evs[1].Type)
	assert.Equal(t, created.JobID, evs[1].JobID)
}

func TestCancelJobTerminalConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.jobs.CreateJob(ctx, models.CreateJobRequest{
		TenantID: "tenant-1",
		AudioURI: "mem://ingest/audio.wav",
	})
	require.NoError(t, err)
	_, err = h.jobs.FailJob(ctx, job.ID, "engine exploded")
	require.NoError(t, err)

	w := h.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, h.durableEvents(t))
}

func TestRetryJobResetsAndRepublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	uri, err := h.store.Put(ctx, "ingest/audio.wav", []byte("riff"))
	require.NoError(t, err)

	job, err := h.jobs.CreateJob(ctx, models.CreateJobRequest{
		TenantID: "tenant-1",
		AudioURI: uri,
	})
	require.NoError(t, err)
	h.seedTask(t, job.ID)
	h.seedTask(t, job.ID)
	_, err = h.jobs.FailJob(ctx, job.ID, "engine exploded")
	require.NoError(t, err)

	w := h.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp RetryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.JobStatusPending, resp.Status)
	assert.Equal(t, 1, resp.RetryCount)

	// The old task graph is gone; the replayed job.created rebuilds it.
	tasks, err := h.tasks.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	reloaded, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, reloaded.Status)
	assert.Equal(t, 1, reloaded.RetryCount)
	assert.Nil(t, reloaded.Error)

	evs := h.durableEvents(t)
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventTypeJobCreated, evs[0].Type)
	assert.Equal(t, job.ID, evs[0].JobID)

	// The retried generation occupies a tenant slot again.
	assert.EqualValues(t, 1, h.activeJobs(t, "tenant-1"))
}

func TestRetryJobRequiresFailedState(t *testing.T) {
	h := newHarness(t)

	job, err := h.jobs.CreateJob(context.Background(), models.CreateJobRequest{
		TenantID: "tenant-1",
		AudioURI: "mem://ingest/audio.wav",
	})
	require.NoError(t, err)

	w := h.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "only failed jobs")
}

func TestRetryJobBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.cfg.Jobs.MaxJobRetries = 0
	ctx := context.Background()

	uri, err := h.store.Put(ctx, "ingest/audio.wav", []byte("riff"))
	require.NoError(t, err)
	job, err := h.jobs.CreateJob(ctx, models.CreateJobRequest{
		TenantID: "tenant-1",
		AudioURI: uri,
	})
	require.NoError(t, err)
	_, err = h.jobs.FailJob(ctx, job.ID, "engine exploded")
	require.NoError(t, err)

	w := h.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "retry limit")
}

func TestRetryJobSourceAudioPurged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.jobs.CreateJob(ctx, models.CreateJobRequest{
		TenantID: "tenant-1",
		AudioURI: "mem://ingest/never-uploaded.wav",
	})
	require.NoError(t, err)
	_, err = h.jobs.FailJob(ctx, job.ID, "engine exploded")
	require.NoError(t, err)

	w := h.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", nil, nil)
	assert.Equal(t, http.StatusGone, w.Code)

	reloaded, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, reloaded.Status)
}

func TestDeleteJobPurgesArtifactsAndRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.jobs.CreateJob(ctx, models.CreateJobRequest{
		TenantID: "tenant-1",
		AudioURI: "mem://ingest/audio.wav",
	})
	require.NoError(t, err)
	task := h.seedTask(t, job.ID)

	inputURI, err := h.store.Put(ctx, storage.InputKey(job.ID, task.ID), []byte(`{}`))
	require.NoError(t, err)
	_, err = h.store.Put(ctx, storage.OutputKey(job.ID, task.ID), []byte(`{}`))
	require.NoError(t, err)

	_, err = h.jobs.FailJob(ctx, job.ID, "engine exploded")
	require.NoError(t, err)

	w := h.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp DeleteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.ArtifactsDeleted)

	_, err = h.jobs.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, services.ErrNotFound)

	exists, err := h.store.Exists(ctx, inputURI)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteJobRequiresTerminalState(t *testing.T) {
	h := newHarness(t)

	job, err := h.jobs.CreateJob(context.Background(), models.CreateJobRequest{
		TenantID: "tenant-1",
		AudioURI: "mem://ingest/audio.wav",
	})
	require.NoError(t, err)

	w := h.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	_, err = h.jobs.GetJob(context.Background(), job.ID)
	assert.NoError(t, err)
}
