package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/config"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/services"
	"github.com/dalston-ai/dalston/pkg/storage"
	"github.com/dalston-ai/dalston/test/util"
)

func setupService(t *testing.T) (*Service, *services.JobService, *storage.MemoryStore) {
	t.Helper()

	client := util.SetupTestDatabase(t)
	jobs := services.NewJobService(client.DB())
	store := storage.NewMemoryStore()

	cfg := &config.RetentionConfig{
		DefaultRetentionHours: 720,
		PurgeInterval:         time.Hour,
		PurgeBatch:            50,
	}
	return NewService(cfg, jobs, store), jobs, store
}

func createFailedJob(t *testing.T, jobs *services.JobService) *models.Job {
	t.Helper()

	job, err := jobs.CreateJob(context.Background(), models.CreateJobRequest{
		TenantID:      "tenant-1",
		AudioURI:      "mem://ingest/audio.wav",
		RetentionMode: models.RetentionKeep,
	})
	require.NoError(t, err)

	moved, err := jobs.FailJob(context.Background(), job.ID, "engine crashed")
	require.NoError(t, err)
	require.True(t, moved)
	return job
}

func TestService_PurgesExpiredJobs(t *testing.T) {
	svc, jobs, store := setupService(t)
	ctx := context.Background()

	expired := createFailedJob(t, jobs)
	require.NoError(t, jobs.SetPurgeAfter(ctx, expired.ID, time.Now().UTC().Add(-time.Hour)))
	inputURI, err := store.Put(ctx, storage.InputKey(expired.ID, "task-1"), []byte(`{"audio":"a"}`))
	require.NoError(t, err)
	outputURI, err := store.Put(ctx, storage.OutputKey(expired.ID, "task-1"), []byte(`{"text":"hi"}`))
	require.NoError(t, err)

	fresh := createFailedJob(t, jobs)
	require.NoError(t, jobs.SetPurgeAfter(ctx, fresh.ID, time.Now().UTC().Add(time.Hour)))

	kept := createFailedJob(t, jobs)

	svc.purgeExpired(ctx)

	_, err = jobs.GetJob(ctx, expired.ID)
	assert.ErrorIs(t, err, services.ErrNotFound)
	for _, uri := range []string{inputURI, outputURI} {
		exists, err := store.Exists(ctx, uri)
		require.NoError(t, err)
		assert.False(t, exists, "artifact should be purged: %s", uri)
	}

	_, err = jobs.GetJob(ctx, fresh.ID)
	assert.NoError(t, err, "job inside its retention window should survive")
	_, err = jobs.GetJob(ctx, kept.ID)
	assert.NoError(t, err, "job without a purge deadline should survive")
}

func TestService_SkipsNonTerminalJobs(t *testing.T) {
	svc, jobs, _ := setupService(t)
	ctx := context.Background()

	job, err := jobs.CreateJob(ctx, models.CreateJobRequest{
		TenantID:      "tenant-1",
		AudioURI:      "mem://ingest/audio.wav",
		RetentionMode: models.RetentionKeep,
	})
	require.NoError(t, err)
	moved, err := jobs.TransitionStatus(ctx, job.ID, models.JobStatusRunning, models.JobStatusPending)
	require.NoError(t, err)
	require.True(t, moved)
	require.NoError(t, jobs.SetPurgeAfter(ctx, job.ID, time.Now().UTC().Add(-time.Hour)))

	svc.purgeExpired(ctx)

	got, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}

type failingStore struct {
	storage.Store
}

func (f *failingStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return 0, errors.New("bucket unavailable")
}

func TestService_ArtifactFailureLeavesRowForRetry(t *testing.T) {
	svc, jobs, _ := setupService(t)
	ctx := context.Background()

	job := createFailedJob(t, jobs)
	require.NoError(t, jobs.SetPurgeAfter(ctx, job.ID, time.Now().UTC().Add(-time.Hour)))

	svc.store = &failingStore{Store: svc.store}
	svc.purgeExpired(ctx)

	got, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err, "row must stay until artifacts are confirmed gone")
	assert.NotNil(t, got.PurgeAfter)
}

func TestService_StartStopLifecycle(t *testing.T) {
	svc, jobs, _ := setupService(t)
	svc.config = &config.RetentionConfig{
		DefaultRetentionHours: 720,
		PurgeInterval:         20 * time.Millisecond,
		PurgeBatch:            50,
	}
	ctx := context.Background()

	job := createFailedJob(t, jobs)
	require.NoError(t, jobs.SetPurgeAfter(ctx, job.ID, time.Now().UTC().Add(-time.Hour)))

	svc.Start(ctx)
	defer svc.Stop()

	require.Eventually(t, func() bool {
		_, err := jobs.GetJob(ctx, job.ID)
		return errors.Is(err, services.ErrNotFound)
	}, 5*time.Second, 25*time.Millisecond, "expired job should be purged by the background loop")
}
