package e2e

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/api"
	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/models"
)

// TestJobCompletesThroughWordPipeline drives a mono job with word timestamps
// through real engines: prepare → transcribe → align → merge, then checks the
// persisted result summary, the staged inputs and the tenant accounting.
func TestJobCompletesThroughWordPipeline(t *testing.T) {
	app := NewTestApp(t)

	script := NewScriptedEngine().
		Script(models.StagePrepare, EngineStep{
			Output: []byte(`{"audio_uri":"mem://jobs/prepared.wav","sample_rate":16000}`),
		}).
		Script(models.StageTranscribe, EngineStep{
			Output: []byte(`{"language_code":"en","segments":[{"text":"good morning","start":0,"end":1.1},{"text":"thanks for calling","start":1.4,"end":2.6}]}`),
		}).
		Script(models.StageAlign, EngineStep{
			Output: []byte(`{"words":[{"word":"good","start":0.02,"end":0.38},{"word":"morning","start":0.41,"end":1.08}]}`),
		}).
		Script(models.StageMerge, EngineStep{
			Output: []byte(`{"language_code":"en","text":"good morning thanks for calling","segments":[{"text":"good morning","words":[{"word":"good"},{"word":"morning"}]},{"text":"thanks for calling","words":[{"word":"thanks"},{"word":"for"},{"word":"calling"}]}]}`),
		})
	app.StartCorePipeline(t, script)

	audioURI := app.SeedAudio(t, "ingest/call-2041.wav", []byte("RIFF fake wav"))
	resp := app.SubmitJob(t, api.SubmitJobRequest{
		TenantID:   "tenant-1",
		AudioURI:   audioURI,
		Parameters: map[string]any{"timestamps_granularity": "word"},
		Audio:      models.AudioMetadata{Format: "wav", Channels: 1, DurationSeconds: 2.6},
	})
	assert.Equal(t, models.JobStatusPending, resp.Status)

	app.WaitForDurableEvent(t, events.EventTypeJobCompleted, resp.JobID)
	job := app.GetJob(t, resp.JobID)

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.Len(t, job.Tasks, 4)
	for _, task := range job.Tasks {
		assert.Equal(t, models.TaskStatusCompleted, task.Status, "stage %s", task.Stage)
	}

	require.NotNil(t, job.Result)
	assert.Equal(t, "en", job.Result.LanguageCode)
	assert.Equal(t, 5, job.Result.WordCount)
	assert.Equal(t, 2, job.Result.SegmentCount)
	assert.Equal(t, 0, job.Result.SpeakerCount)
	assert.Equal(t, 31, job.Result.CharacterCount)

	// The merge engine must have been handed the source audio plus every
	// dependency's output.
	merge := app.TaskByStage(t, resp.JobID, models.StageMerge)
	input := app.ReadTaskInput(t, resp.JobID, merge.ID)
	assert.Equal(t, audioURI, input.AudioURI)
	require.Len(t, input.PreviousOutputs, 3)
	for _, stage := range []string{models.StagePrepare, models.StageTranscribe, models.StageAlign} {
		dep := app.TaskByStage(t, resp.JobID, stage)
		require.NotNil(t, dep.OutputURI, "stage %s has no output", stage)
		assert.Equal(t, *dep.OutputURI, input.PreviousOutputs[stage])
	}

	// The catalog resolved "general" to the runtime model id, and the
	// language default filled in.
	execs := script.Executions(models.StageTranscribe)
	require.Len(t, execs, 1)
	assert.Equal(t, "large-v3", execs[0].Input.Config["model"])
	assert.Equal(t, "auto", execs[0].Input.Config["language"])

	assert.Len(t, app.DurableEventsOfType(t, events.EventTypeJobCompleted), 1)
	assert.Equal(t, int64(0), app.ActiveJobs(t, "tenant-1"))
}

// TestStereoJobFansOutPerChannel checks the per-channel plan: one prepare
// that splits channels, channel-suffixed transcribe and align tasks riding
// their base stage's stream, and a merge that sees every output.
func TestStereoJobFansOutPerChannel(t *testing.T) {
	app := NewTestApp(t)

	script := NewScriptedEngine().
		Script(models.StageMerge, EngineStep{
			Output: []byte(`{"language_code":"en","segments":[{"text":"hello there","speaker":"ch0"},{"text":"hi how are you","speaker":"ch1"}]}`),
		})
	app.StartCorePipeline(t, script)

	audioURI := app.SeedAudio(t, "ingest/stereo-support-call.wav", []byte("RIFF stereo"))
	resp := app.SubmitJob(t, api.SubmitJobRequest{
		TenantID: "tenant-1",
		AudioURI: audioURI,
		Parameters: map[string]any{
			"timestamps_granularity": "word",
			"speaker_detection":      "per_channel",
		},
		Audio: models.AudioMetadata{Format: "wav", Channels: 2, DurationSeconds: 14.2},
	})

	app.WaitForDurableEvent(t, events.EventTypeJobCompleted, resp.JobID)
	job := app.GetJob(t, resp.JobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	require.Len(t, job.Tasks, 6)
	stages := make([]string, 0, len(job.Tasks))
	for _, task := range job.Tasks {
		stages = append(stages, task.Stage)
		assert.Equal(t, models.TaskStatusCompleted, task.Status, "stage %s", task.Stage)
	}
	assert.ElementsMatch(t, []string{
		models.StagePrepare,
		models.ChannelStage(models.StageTranscribe, 0),
		models.ChannelStage(models.StageTranscribe, 1),
		models.ChannelStage(models.StageAlign, 0),
		models.ChannelStage(models.StageAlign, 1),
		models.StageMerge,
	}, stages)

	require.NotNil(t, job.Result)
	assert.Equal(t, 2, job.Result.SpeakerCount)
	assert.Equal(t, 6, job.Result.WordCount)
	assert.Equal(t, 26, job.Result.CharacterCount)

	// Prepare was told to split; each channel's transcribe got its index.
	prepares := script.Executions(models.StagePrepare)
	require.Len(t, prepares, 1)
	assert.Equal(t, true, prepares[0].Input.Config["split_channels"])
	assert.EqualValues(t, 2, prepares[0].Input.Config["channels"])

	var channels []int
	for _, ex := range script.Executions(models.StageTranscribe) {
		ch, ok := ex.Input.Config["channel"].(float64)
		require.True(t, ok, "transcribe config carries no channel: %v", ex.Input.Config)
		channels = append(channels, int(ch))
	}
	assert.ElementsMatch(t, []int{0, 1}, channels)

	// Merge depends on all five upstream tasks and sees channel outputs both
	// under their exact names and the base-stage aliases.
	merge := app.TaskByStage(t, resp.JobID, models.StageMerge)
	assert.Len(t, merge.Dependencies, 5)
	input := app.ReadTaskInput(t, resp.JobID, merge.ID)
	require.Len(t, input.PreviousOutputs, 7)
	for _, key := range []string{
		models.StagePrepare,
		models.ChannelStage(models.StageTranscribe, 0),
		models.ChannelStage(models.StageTranscribe, 1),
		models.ChannelStage(models.StageAlign, 0),
		models.ChannelStage(models.StageAlign, 1),
		models.StageTranscribe,
		models.StageAlign,
	} {
		assert.Contains(t, input.PreviousOutputs, key)
	}
}
