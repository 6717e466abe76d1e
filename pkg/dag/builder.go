// Package dag translates a job's parameters into its task graph: a
// partially-ordered set of tasks with engine assignments, per-task config,
// and dependency edges. Graphs are assembled stage by stage, never adding an
// edge backward, so they are acyclic by construction and no runtime walk
// needs cycle detection.
package dag

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dalston-ai/dalston/pkg/config"
	"github.com/dalston-ai/dalston/pkg/models"
)

// ErrInvalidParameters marks a job whose parameters can never produce a
// valid graph. The scheduler fails such jobs instead of retrying them.
var ErrInvalidParameters = errors.New("invalid job parameters")

// Timestamps granularity values.
const (
	GranularityWord    = "word"
	GranularitySegment = "segment"
	GranularityNone    = "none"
)

// Speaker detection modes.
const (
	SpeakersNone       = "none"
	SpeakersDiarize    = "diarize"
	SpeakersPerChannel = "per_channel"
)

// Well-known task config keys shared with the scheduler and engines.
const (
	// ConfigModel selects a specific model within the runtime.
	ConfigModel = "model"

	// ConfigLanguage is the language hint ("auto" = detect).
	ConfigLanguage = "language"

	// ConfigChannel is the audio channel index a per-channel task covers.
	ConfigChannel = "channel"

	// ConfigSplitChannels tells prepare to emit one file per channel.
	ConfigSplitChannels = "split_channels"

	// ConfigChannels is the channel count prepare should split into.
	ConfigChannels = "channels"

	// ConfigRequiredCapabilities lists capabilities the serving instance
	// must declare; enqueue verifies them against the registry.
	ConfigRequiredCapabilities = "required_capabilities"

	// Speaker-count hints folded into diarize config.
	ConfigNumSpeakers = "num_speakers"
	ConfigMinSpeakers = "min_speakers"
	ConfigMaxSpeakers = "max_speakers"

	// Merge assembly knobs.
	ConfigTimestampsGranularity = "timestamps_granularity"
	ConfigSpeakerDetection      = "speaker_detection"
)

// Liveness is the registry view the builder needs for fallback decisions.
type Liveness interface {
	HasLiveInstance(ctx context.Context, engineID string) (bool, error)
	AnyCapable(ctx context.Context, engineID, capability string) (bool, error)
}

// Builder constructs task graphs from job parameters.
type Builder struct {
	cfg      *config.Config
	liveness Liveness
}

// NewBuilder creates a builder over the loaded configuration.
func NewBuilder(cfg *config.Config, liveness Liveness) *Builder {
	return &Builder{cfg: cfg, liveness: liveness}
}

// plan is the resolved decision table for one job.
type plan struct {
	granularity      string
	speakers         string
	language         string
	piiRedaction     bool
	numSpeakers      int
	minSpeakers      int
	maxSpeakers      int
	transcribeEngine string
	runtimeModelID   string
	nativeWord       bool
	channels         int
	maxRetries       int
}

// needAlign reports whether a separate forced-alignment stage is required.
// Word granularity needs it unless the transcribe engine emits word
// timestamps natively.
func (p *plan) needAlign() bool {
	return p.granularity == GranularityWord && !p.nativeWord
}

// Build produces the job's tasks in topological order. All tasks come back
// in status pending with dependencies wired by id; persisting and promoting
// them is the scheduler's business.
func (b *Builder) Build(ctx context.Context, job *models.Job) ([]*models.Task, error) {
	p, err := b.resolvePlan(ctx, job)
	if err != nil {
		return nil, err
	}

	g := &graph{jobID: job.ID, maxRetries: p.maxRetries}

	if p.speakers == SpeakersPerChannel && p.channels > 1 {
		b.buildPerChannel(g, p)
	} else {
		b.buildSingle(g, p)
	}
	return g.tasks, nil
}

// resolvePlan folds job parameters over configured defaults and resolves the
// transcription engine through the catalog, falling back to the stage
// mapping when the chosen runtime has no live instance.
func (b *Builder) resolvePlan(ctx context.Context, job *models.Job) (*plan, error) {
	params := job.Parameters

	p := &plan{
		granularity: stringParam(params, ConfigTimestampsGranularity, b.cfg.Defaults.TimestampsGranularity),
		speakers:    stringParam(params, ConfigSpeakerDetection, b.cfg.Defaults.SpeakerDetection),
		language:    stringParam(params, ConfigLanguage, b.cfg.Defaults.Language),
		numSpeakers: intParam(params, ConfigNumSpeakers),
		minSpeakers: intParam(params, ConfigMinSpeakers),
		maxSpeakers: intParam(params, ConfigMaxSpeakers),
		channels:    job.Audio.Channels,
		maxRetries:  b.cfg.Jobs.TaskMaxRetries,
	}
	if v, ok := params["pii_redaction"].(bool); ok {
		p.piiRedaction = v
	}

	switch p.granularity {
	case GranularityWord, GranularitySegment, GranularityNone:
	default:
		return nil, fmt.Errorf("%w: timestamps_granularity %q", ErrInvalidParameters, p.granularity)
	}
	switch p.speakers {
	case SpeakersNone, SpeakersDiarize, SpeakersPerChannel:
	default:
		return nil, fmt.Errorf("%w: speaker_detection %q", ErrInvalidParameters, p.speakers)
	}

	model := stringParam(params, ConfigModel, b.cfg.Defaults.Model)
	entry, _, err := b.cfg.Catalog.Resolve(model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	p.transcribeEngine = entry.Runtime
	p.runtimeModelID = entry.RuntimeModelID
	p.nativeWord = entry.HasCapability(config.CapabilityNativeWordTimestamps)

	if err := b.applyFallback(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// applyFallback downgrades to the hardcoded stage mapping when no live
// instance can serve the catalog's choice. The job still fails fast at
// enqueue if the fallback engine is down too.
func (b *Builder) applyFallback(ctx context.Context, p *plan) error {
	var ok bool
	var err error
	if p.granularity == GranularityWord && p.nativeWord {
		// The capability is load-bearing here: an instance without it
		// would silently drop word timestamps.
		ok, err = b.liveness.AnyCapable(ctx, p.transcribeEngine, config.CapabilityNativeWordTimestamps)
	} else {
		ok, err = b.liveness.HasLiveInstance(ctx, p.transcribeEngine)
	}
	if err != nil {
		return fmt.Errorf("failed to check engine liveness: %w", err)
	}
	if ok {
		return nil
	}

	fallback := b.cfg.RuntimeFor(models.StageTranscribe)
	if fallback == "" || fallback == p.transcribeEngine {
		// Nothing better to offer; keep the selection and let enqueue fail
		// the job with a structured error.
		return nil
	}
	p.transcribeEngine = fallback
	p.runtimeModelID = ""
	p.nativeWord = false
	return nil
}

// buildSingle assembles the single-pipeline shapes:
//
//	prepare → transcribe → [align] → merge
//
// with an optional parallel prepare → diarize → merge branch.
func (b *Builder) buildSingle(g *graph, p *plan) {
	prepare := g.add(models.StagePrepare, b.cfg.RuntimeFor(models.StagePrepare), nil, nil, true)

	transcribe := g.add(models.StageTranscribe, p.transcribeEngine,
		[]string{prepare}, b.transcribeConfig(p, -1), true)

	if p.needAlign() {
		g.add(models.StageAlign, b.cfg.RuntimeFor(models.StageAlign),
			[]string{transcribe}, b.alignConfig(p, -1), true)
	}

	if p.speakers == SpeakersDiarize {
		g.add(models.StageDiarize, b.cfg.RuntimeFor(models.StageDiarize),
			[]string{prepare}, b.diarizeConfig(p), false)
	}

	g.addMerge(b.cfg.RuntimeFor(models.StageMerge), b.mergeConfig(p))
}

// buildPerChannel assembles the per-channel shape: prepare splits the audio,
// each channel runs its own transcribe → [align] → [pii_detect →
// audio_redact] chain, and merge joins every channel.
func (b *Builder) buildPerChannel(g *graph, p *plan) {
	prepare := g.add(models.StagePrepare, b.cfg.RuntimeFor(models.StagePrepare), nil,
		map[string]any{ConfigSplitChannels: true, ConfigChannels: p.channels}, true)

	for ch := 0; ch < p.channels; ch++ {
		tail := g.add(models.ChannelStage(models.StageTranscribe, ch), p.transcribeEngine,
			[]string{prepare}, b.transcribeConfig(p, ch), true)

		if p.needAlign() {
			tail = g.add(models.ChannelStage(models.StageAlign, ch),
				b.cfg.RuntimeFor(models.StageAlign),
				[]string{tail}, b.alignConfig(p, ch), true)
		}

		if p.piiRedaction {
			detect := g.add(models.ChannelStage(models.StagePIIDetect, ch),
				b.cfg.RuntimeFor(models.StagePIIDetect),
				[]string{tail}, map[string]any{ConfigChannel: ch}, true)
			g.add(models.ChannelStage(models.StageAudioRedact, ch),
				b.cfg.RuntimeFor(models.StageAudioRedact),
				[]string{detect}, map[string]any{ConfigChannel: ch}, true)
		}
	}

	g.addMerge(b.cfg.RuntimeFor(models.StageMerge), b.mergeConfig(p))
}

func (b *Builder) transcribeConfig(p *plan, channel int) map[string]any {
	cfg := map[string]any{ConfigLanguage: p.language}
	if p.runtimeModelID != "" {
		cfg[ConfigModel] = p.runtimeModelID
	}
	if channel >= 0 {
		cfg[ConfigChannel] = channel
	}
	if p.granularity == GranularityWord && p.nativeWord {
		cfg[ConfigRequiredCapabilities] = []string{config.CapabilityNativeWordTimestamps}
	}
	return cfg
}

func (b *Builder) alignConfig(p *plan, channel int) map[string]any {
	cfg := map[string]any{ConfigLanguage: p.language}
	if channel >= 0 {
		cfg[ConfigChannel] = channel
	}
	return cfg
}

func (b *Builder) diarizeConfig(p *plan) map[string]any {
	cfg := map[string]any{}
	if p.numSpeakers > 0 {
		cfg[ConfigNumSpeakers] = p.numSpeakers
	}
	if p.minSpeakers > 0 {
		cfg[ConfigMinSpeakers] = p.minSpeakers
	}
	if p.maxSpeakers > 0 {
		cfg[ConfigMaxSpeakers] = p.maxSpeakers
	}
	return cfg
}

func (b *Builder) mergeConfig(p *plan) map[string]any {
	return map[string]any{
		ConfigTimestampsGranularity: p.granularity,
		ConfigSpeakerDetection:      p.speakers,
	}
}

// graph accumulates tasks in topological order.
type graph struct {
	jobID      string
	maxRetries int
	tasks      []*models.Task
}

// add appends a task and returns its id for dependency wiring.
func (g *graph) add(stage, engineID string, deps []string, cfg map[string]any, required bool) string {
	task := &models.Task{
		ID:           uuid.New().String(),
		JobID:        g.jobID,
		Stage:        stage,
		EngineID:     engineID,
		Status:       models.TaskStatusPending,
		Dependencies: deps,
		Config:       cfg,
		MaxRetries:   g.maxRetries,
		Required:     required,
	}
	g.tasks = append(g.tasks, task)
	return task.ID
}

// addMerge appends the merge task depending on every task added so far.
func (g *graph) addMerge(engineID string, cfg map[string]any) string {
	deps := make([]string, 0, len(g.tasks))
	for _, t := range g.tasks {
		deps = append(deps, t.ID)
	}
	return g.add(models.StageMerge, engineID, deps, cfg, true)
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// intParam tolerates both int and float64 (the JSON decoding of a number).
func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
