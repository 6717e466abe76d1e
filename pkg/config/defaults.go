package config

// Defaults contains system-wide default job parameters.
// These values are used when a submitted job does not specify its own.
type Defaults struct {
	// Model is the catalog id or alias used when jobs omit "model".
	Model string `yaml:"model,omitempty"`

	// Language hint passed to engines ("auto" = detect).
	Language string `yaml:"language,omitempty"`

	// TimestampsGranularity default (word, segment, or none).
	TimestampsGranularity string `yaml:"timestamps_granularity,omitempty"`

	// SpeakerDetection default (none, diarize, or per_channel).
	SpeakerDetection string `yaml:"speaker_detection,omitempty"`
}
