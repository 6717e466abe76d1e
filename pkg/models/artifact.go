package models

// TaskInput is the input artifact the scheduler writes to object storage for
// each task before enqueueing it. Engines read it instead of the database:
// it carries everything an executor needs to run the stage.
type TaskInput struct {
	// AudioURI points at the original source audio.
	AudioURI string `json:"audio_uri"`

	// Audio is the source metadata probed at submit time.
	Audio AudioMetadata `json:"audio,omitempty"`

	// Stage is the full stage name, including any channel suffix.
	Stage string `json:"stage"`

	// Config is the task's config map (model, language, channel, hints).
	Config map[string]any `json:"config,omitempty"`

	// PreviousOutputs maps each completed dependency's stage name to its
	// output artifact URI. Per-channel stages are additionally aliased
	// under their base stage name.
	PreviousOutputs map[string]string `json:"previous_outputs,omitempty"`
}
