package models

import (
	"fmt"
	"strings"
)

// Pipeline stage names. Per-channel pipelines suffix the base name with
// "_ch{N}" (e.g. "transcribe_ch0"); downstream consumers that don't care
// about channels resolve the base name via BaseStage.
const (
	StagePrepare     = "prepare"
	StageTranscribe  = "transcribe"
	StageAlign       = "align"
	StageDiarize     = "diarize"
	StageMerge       = "merge"
	StagePIIDetect   = "pii_detect"
	StageAudioRedact = "audio_redact"
)

const channelSep = "_ch"

// ChannelStage returns the per-channel variant of a base stage name,
// e.g. ChannelStage("transcribe", 1) == "transcribe_ch1".
func ChannelStage(base string, channel int) string {
	return fmt.Sprintf("%s%s%d", base, channelSep, channel)
}

// BaseStage strips a per-channel suffix: "align_ch0" → "align". Names
// without a channel suffix are returned unchanged.
func BaseStage(stage string) string {
	idx := strings.LastIndex(stage, channelSep)
	if idx < 0 {
		return stage
	}
	suffix := stage[idx+len(channelSep):]
	if suffix == "" {
		return stage
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return stage
		}
	}
	return stage[:idx]
}

// IsChannelStage reports whether the stage name carries a channel suffix.
func IsChannelStage(stage string) bool {
	return BaseStage(stage) != stage
}
