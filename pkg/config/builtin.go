package config

import (
	"sync"

	"github.com/dalston-ai/dalston/pkg/models"
)

// BuiltinConfig holds all built-in configuration data: the default model
// catalog and the stage → engine mapping used when nothing else applies.
type BuiltinConfig struct {
	Models          map[string]ModelEntry
	RuntimeByStage  map[string]string
	DefaultModel    string
	DefaultLanguage string
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration (thread-safe, lazy-initialized)
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Models:          initBuiltinModels(),
		RuntimeByStage:  initBuiltinRuntimes(),
		DefaultModel:    "general",
		DefaultLanguage: "auto",
	}
}

func initBuiltinModels() map[string]ModelEntry {
	return map[string]ModelEntry{
		"general": {
			Aliases:        []string{"default", "whisper-large"},
			Runtime:        "whisper-ct2",
			RuntimeModelID: "large-v3",
			Description:    "Multilingual general-purpose model; word timestamps via forced alignment",
		},
		"general-turbo": {
			Aliases:        []string{"turbo"},
			Runtime:        "whisper-ct2",
			RuntimeModelID: "large-v3-turbo",
			Description:    "Faster multilingual model with slightly lower accuracy",
		},
		"english-fast": {
			Aliases:        []string{"en-fast"},
			Runtime:        "conformer-ctc",
			RuntimeModelID: "conformer-ctc-en",
			Capabilities:   []string{CapabilityNativeWordTimestamps},
			Description:    "English-only CTC model emitting word timestamps natively",
		},
	}
}

// initBuiltinRuntimes maps each pipeline stage to the engine that serves it
// when the catalog (or job parameters) do not say otherwise. The transcribe
// entry is the last-resort fallback when capability-driven selection fails;
// jobs routed to it still fail fast at enqueue if the engine is down.
func initBuiltinRuntimes() map[string]string {
	return map[string]string{
		models.StagePrepare:     "audio-prep",
		models.StageTranscribe:  "whisper-ct2",
		models.StageAlign:       "forced-align",
		models.StageDiarize:     "diarizer",
		models.StageMerge:       "transcript-merge",
		models.StagePIIDetect:   "pii-detect",
		models.StageAudioRedact: "audio-redact",
	}
}
