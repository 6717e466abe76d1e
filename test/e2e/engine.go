package e2e

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/runner"
)

// EngineStep is one scripted response for a stage. Steps are consumed in
// order; the last step repeats for any further calls, so a single failing
// step exhausts every retry and a single success serves a whole fan-out.
type EngineStep struct {
	Output []byte
	Err    error
	// Gate, when set, blocks the execution until the channel is closed.
	// Cancellation tests use it to hold a task in running.
	Gate chan struct{}
}

// ScriptedEngine is a deterministic runner.Executor. Stages without a script
// succeed with an empty JSON object.
type ScriptedEngine struct {
	mu    sync.Mutex
	steps map[string][]EngineStep
	calls map[string]int
	execs []runner.Execution
}

// NewScriptedEngine creates an executor with no scripts; every stage
// succeeds until Script is called for it.
func NewScriptedEngine() *ScriptedEngine {
	return &ScriptedEngine{
		steps: make(map[string][]EngineStep),
		calls: make(map[string]int),
	}
}

// Script appends steps for a stage. The key matches the exact stage name
// first, then the base stage, so per-channel tasks share one script unless
// a channel-specific one exists.
func (s *ScriptedEngine) Script(stage string, steps ...EngineStep) *ScriptedEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[stage] = append(s.steps[stage], steps...)
	return s
}

// Executions returns the recorded executions for a stage, matching both the
// exact name and the base stage of channel-suffixed tasks.
func (s *ScriptedEngine) Executions(stage string) []runner.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runner.Execution
	for _, ex := range s.execs {
		if ex.Stage == stage || models.BaseStage(ex.Stage) == stage {
			out = append(out, ex)
		}
	}
	return out
}

// Execute implements runner.Executor.
func (s *ScriptedEngine) Execute(ctx context.Context, exec runner.Execution) ([]byte, error) {
	step := s.nextStep(exec)
	if step.Gate != nil {
		select {
		case <-step.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Output == nil {
		return []byte(`{}`), nil
	}
	return step.Output, nil
}

func (s *ScriptedEngine) nextStep(exec runner.Execution) EngineStep {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.execs = append(s.execs, exec)

	key := exec.Stage
	if _, ok := s.steps[key]; !ok {
		key = models.BaseStage(exec.Stage)
	}
	steps := s.steps[key]
	if len(steps) == 0 {
		return EngineStep{}
	}
	i := s.calls[key]
	s.calls[key]++
	if i >= len(steps) {
		i = len(steps) - 1
	}
	return steps[i]
}

// StartEngine boots a runner for the given engine over the scripted
// executor and registers its shutdown with t.Cleanup.
func (app *TestApp) StartEngine(t *testing.T, engineID string, stages []string, script *ScriptedEngine, capabilities ...string) *runner.Runner {
	t.Helper()

	r := runner.NewRunner(app.Config, runner.Options{
		EngineID:     engineID,
		Capabilities: capabilities,
		Stages:       stages,
	}, app.Queue, app.Registry, app.Store, app.Publisher, script)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

// StartCorePipeline boots one engine per core stage, all sharing the same
// script: audio-prep, whisper-ct2, forced-align and transcript-merge.
func (app *TestApp) StartCorePipeline(t *testing.T, script *ScriptedEngine) {
	t.Helper()

	app.StartEngine(t, "audio-prep", []string{models.StagePrepare}, script)
	app.StartEngine(t, "whisper-ct2", []string{models.StageTranscribe}, script)
	app.StartEngine(t, "forced-align", []string{models.StageAlign}, script)
	app.StartEngine(t, "transcript-merge", []string{models.StageMerge}, script)
}
