package e2e

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/api"
	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/models"
)

// TestTaskRetriesAfterTransientFailure fails the first transcribe attempt
// and checks the redispatch: a second message on the stage stream, the retry
// guard in Redis, and a job that still completes.
func TestTaskRetriesAfterTransientFailure(t *testing.T) {
	app := NewTestApp(t)

	script := NewScriptedEngine().
		Script(models.StageTranscribe,
			EngineStep{Err: errors.New("CUDA out of memory")},
			EngineStep{Output: []byte(`{"language_code":"en","segments":[{"text":"retry worked"}]}`)},
		).
		Script(models.StageMerge, EngineStep{
			Output: []byte(`{"language_code":"en","text":"retry worked","segments":[{"text":"retry worked"}]}`),
		})
	app.StartCorePipeline(t, script)

	resp := app.SubmitJob(t, api.SubmitJobRequest{
		TenantID: "tenant-1",
		AudioURI: app.SeedAudio(t, "ingest/flaky.wav", []byte("RIFF")),
	})

	app.WaitForDurableEvent(t, events.EventTypeJobCompleted, resp.JobID)
	job := app.GetJob(t, resp.JobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	transcribe := app.TaskByStage(t, resp.JobID, models.StageTranscribe)
	assert.Equal(t, models.TaskStatusCompleted, transcribe.Status)
	assert.Equal(t, 1, transcribe.Retries)
	assert.Len(t, script.Executions(models.StageTranscribe), 2)

	// The retry appended a second message; streams retain acked entries.
	assert.Equal(t, int64(2), app.StreamLen(t, models.StageTranscribe))
	guard, err := app.Redis.Exists(context.Background(),
		fmt.Sprintf("dalston:task:retry-enqueue:%s:%d", transcribe.ID, 1)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), guard)

	var failures []events.Event
	for _, ev := range app.DurableEventsOfType(t, events.EventTypeTaskFailed) {
		if ev.TaskID == transcribe.ID {
			failures = append(failures, ev)
		}
	}
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, "out of memory")

	assert.Equal(t, int64(0), app.ActiveJobs(t, "tenant-1"))
}

// TestOptionalDiarizationFailureIsSkipped exhausts the diarizer's retry
// budget and checks that the job completes without it: the task ends skipped,
// merge never sees its output, and the summary carries no speakers.
func TestOptionalDiarizationFailureIsSkipped(t *testing.T) {
	app := NewTestApp(t)

	script := NewScriptedEngine().
		Script(models.StageDiarize, EngineStep{Err: errors.New("no voiced frames detected")}).
		Script(models.StageMerge, EngineStep{
			Output: []byte(`{"language_code":"en","text":"unattributed speech","segments":[{"text":"unattributed speech"}]}`),
		})
	app.StartCorePipeline(t, script)
	app.StartEngine(t, "diarizer", []string{models.StageDiarize}, script)

	resp := app.SubmitJob(t, api.SubmitJobRequest{
		TenantID:   "tenant-1",
		AudioURI:   app.SeedAudio(t, "ingest/meeting.wav", []byte("RIFF")),
		Parameters: map[string]any{"speaker_detection": "diarize"},
	})

	app.WaitForDurableEvent(t, events.EventTypeJobCompleted, resp.JobID)
	job := app.GetJob(t, resp.JobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.Len(t, job.Tasks, 4)

	diarize := app.TaskByStage(t, resp.JobID, models.StageDiarize)
	assert.Equal(t, models.TaskStatusSkipped, diarize.Status)
	require.NotNil(t, diarize.Error)
	assert.Contains(t, *diarize.Error, "no voiced frames")
	assert.Equal(t, app.Config.Jobs.TaskMaxRetries, diarize.Retries)
	assert.Len(t, script.Executions(models.StageDiarize), 3)

	var failures int
	for _, ev := range app.DurableEventsOfType(t, events.EventTypeTaskFailed) {
		if ev.TaskID == diarize.ID {
			failures++
		}
	}
	assert.Equal(t, 3, failures)

	// The skipped dependency is excluded from the merge input.
	merge := app.TaskByStage(t, resp.JobID, models.StageMerge)
	input := app.ReadTaskInput(t, resp.JobID, merge.ID)
	require.Len(t, input.PreviousOutputs, 2)
	assert.NotContains(t, input.PreviousOutputs, models.StageDiarize)

	require.NotNil(t, job.Result)
	assert.Equal(t, 0, job.Result.SpeakerCount)
}

// TestFailedJobRetriedThroughGateway fails a job terminally, then retries it
// over the API once the engine recovers. The same job id must go around
// again: tasks rebuilt, counter re-occupied, result written.
func TestFailedJobRetriedThroughGateway(t *testing.T) {
	app := NewTestApp(t)

	script := NewScriptedEngine().
		Script(models.StageTranscribe, EngineStep{Err: errors.New("model shard unavailable")}).
		Script(models.StageMerge, EngineStep{
			Output: []byte(`{"language_code":"en","text":"back online","segments":[{"text":"back online"}]}`),
		})
	app.StartCorePipeline(t, script)

	resp := app.SubmitJob(t, api.SubmitJobRequest{
		TenantID: "tenant-1",
		AudioURI: app.SeedAudio(t, "ingest/unlucky.wav", []byte("RIFF")),
	})

	app.WaitForDurableEvent(t, events.EventTypeJobFailed, resp.JobID)
	job := app.GetJob(t, resp.JobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "model shard unavailable")
	assert.Len(t, script.Executions(models.StageTranscribe), 3)
	assert.Equal(t, int64(0), app.ActiveJobs(t, "tenant-1"))

	// Engine recovers: the appended step serves the next generation's call.
	script.Script(models.StageTranscribe, EngineStep{
		Output: []byte(`{"language_code":"en","segments":[{"text":"back online"}]}`),
	})

	retry := app.RetryJob(t, resp.JobID)
	assert.Equal(t, models.JobStatusPending, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)

	app.WaitForDurableEvent(t, events.EventTypeJobCompleted, resp.JobID)
	job = app.GetJob(t, resp.JobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.Error)
	require.Len(t, job.Tasks, 3)
	for _, task := range job.Tasks {
		assert.Equal(t, models.TaskStatusCompleted, task.Status, "stage %s", task.Stage)
	}

	assert.Len(t, app.DurableEventsOfType(t, events.EventTypeJobCreated), 2)
	assert.Equal(t, int64(0), app.ActiveJobs(t, "tenant-1"))
}
