// Package runner is the engine-side SDK: it consumes task messages from the
// stage streams, resolves input artifacts, drives an Executor, uploads
// outputs and reports lifecycle events, while keeping the instance's
// registry heartbeat fresh.
//
// Delivery is at least once. A message is acknowledged only after the
// terminal task event is durably published, so every crash window resolves
// to a redelivery or a reconciler repair, never a lost task.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dalston-ai/dalston/pkg/config"
	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/queue"
	"github.com/dalston-ai/dalston/pkg/registry"
	"github.com/dalston-ai/dalston/pkg/storage"
)

// Options identifies the engine instance and the stages it serves.
type Options struct {
	// EngineID is the logical engine name tasks are addressed to.
	EngineID string

	// InstanceID overrides the generated instance identity. Deployments
	// with stable pod names should set it: a restarted instance then
	// drains the entries it claimed in its previous life instead of
	// leaving them for the reconciler.
	InstanceID string

	// Capabilities are advertised through the registry and drive
	// capability-aware scheduling.
	Capabilities []string

	// Stages lists the base stage streams to consume.
	Stages []string

	// Concurrency is the worker count per stage. Defaults to 1.
	Concurrency int
}

// Runner consumes stage streams on behalf of one engine instance.
type Runner struct {
	cfg        *config.Config
	opts       Options
	queue      *queue.Queue
	registry   *registry.Registry
	store      storage.Store
	publisher  *events.Publisher
	executor   Executor
	instanceID string

	active   atomic.Int64
	workers  []*worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewRunner creates a runner for one engine instance.
func NewRunner(
	cfg *config.Config,
	opts Options,
	q *queue.Queue,
	reg *registry.Registry,
	store storage.Store,
	publisher *events.Publisher,
	executor Executor,
) *Runner {
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = registry.NewInstanceID(opts.EngineID)
	}
	return &Runner{
		cfg:        cfg,
		opts:       opts,
		queue:      q,
		registry:   reg,
		store:      store,
		publisher:  publisher,
		executor:   executor,
		instanceID: instanceID,
		stopCh:     make(chan struct{}),
	}
}

// InstanceID returns the identity this runner registers and consumes under.
func (r *Runner) InstanceID() string {
	return r.instanceID
}

// Start registers the instance and launches the stage workers and the
// heartbeat loop. Safe to call once; subsequent calls are no-ops.
func (r *Runner) Start(ctx context.Context) error {
	if r.started {
		slog.Warn("Runner already started, ignoring duplicate Start call", "instance_id", r.instanceID)
		return nil
	}
	if r.opts.EngineID == "" {
		return fmt.Errorf("engine id is required")
	}
	if len(r.opts.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	if r.executor == nil {
		return fmt.Errorf("executor is required")
	}
	r.started = true

	if err := r.registry.Register(ctx, r.instanceInfo(registry.StatusReady)); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	for _, stage := range r.opts.Stages {
		if err := r.queue.EnsureGroup(ctx, stage); err != nil {
			return err
		}
	}

	concurrency := r.opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for _, stage := range r.opts.Stages {
		for i := 0; i < concurrency; i++ {
			w := &worker{
				id:    fmt.Sprintf("%s-%s-%d", r.instanceID, stage, i),
				stage: stage,
				drain: i == 0,
				r:     r,
			}
			r.workers = append(r.workers, w)
			r.wg.Add(1)
			go w.run(ctx)
		}
	}

	r.wg.Add(1)
	go r.runHeartbeat(ctx)

	slog.Info("Engine runner started",
		"engine_id", r.opts.EngineID,
		"instance_id", r.instanceID,
		"stages", r.opts.Stages,
		"workers_per_stage", concurrency)
	return nil
}

// Stop signals the workers to finish their current tasks, waits for them,
// and deregisters the instance.
func (r *Runner) Stop() {
	if !r.started {
		return
	}
	slog.Info("Stopping engine runner", "instance_id", r.instanceID)

	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.registry.Deregister(ctx, r.opts.EngineID, r.instanceID); err != nil {
		slog.Warn("Failed to deregister instance", "instance_id", r.instanceID, "error", err)
	}
	slog.Info("Engine runner stopped", "instance_id", r.instanceID)
}

func (r *Runner) instanceInfo(status string) registry.InstanceInfo {
	return registry.InstanceInfo{
		EngineID:     r.opts.EngineID,
		InstanceID:   r.instanceID,
		Status:       status,
		Capabilities: r.opts.Capabilities,
	}
}

// runHeartbeat refreshes the instance record on the configured interval. An
// expired record (long pause, broker flush) is re-registered rather than
// silently resurrected.
func (r *Runner) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Registry.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := registry.StatusReady
			if r.active.Load() > 0 {
				status = registry.StatusBusy
			}
			err := r.registry.Heartbeat(ctx, r.instanceID, status)
			switch {
			case errors.Is(err, registry.ErrNotRegistered):
				if rerr := r.registry.Register(ctx, r.instanceInfo(status)); rerr != nil {
					slog.Error("Failed to re-register instance", "instance_id", r.instanceID, "error", rerr)
				} else {
					slog.Warn("Heartbeat record expired, re-registered", "instance_id", r.instanceID)
				}
			case err != nil:
				slog.Warn("Heartbeat failed", "instance_id", r.instanceID, "error", err)
			}
		}
	}
}

// process runs one delivered message through the full task lifecycle.
func (r *Runner) process(ctx context.Context, stage string, msg *queue.Message) {
	r.active.Add(1)
	defer r.active.Add(-1)

	log := slog.With(
		"task_id", msg.TaskID,
		"job_id", msg.JobID,
		"stage", stage,
		"instance_id", r.instanceID)
	if msg.RequestID != "" {
		log = log.With("request_id", msg.RequestID)
	}

	cancelled, err := r.queue.IsCancelled(ctx, msg.JobID)
	if err != nil {
		log.Warn("Cancellation check failed, proceeding with task", "error", err)
	}
	if cancelled {
		// The orchestrator already cancelled the task row; the entry just
		// needs to leave the queue, with no lifecycle events.
		if err := r.queue.Ack(ctx, stage, msg.ID); err != nil {
			log.Error("Failed to ack task of cancelled job", "error", err)
			return
		}
		log.Info("Dropped task of cancelled job")
		return
	}

	if err := r.publisher.Publish(ctx, events.TaskStarted(msg.TaskID, msg.JobID, stage, r.instanceID, msg.RequestID)); err != nil {
		// Without a started event the orchestrator never claims the task.
		// Leave the entry pending so redelivery retries the whole unit.
		log.Error("Failed to publish task start", "error", err)
		return
	}

	output, execErr := r.execute(ctx, msg)

	if execErr != nil && ctx.Err() != nil {
		// Shutdown interrupted the work. Report nothing: the entry stays
		// pending for the next life or the reconciler.
		log.Info("Task interrupted by shutdown, leaving entry pending")
		return
	}

	// Terminal reporting must survive a cancelled runner context.
	repCtx := context.Background()

	if execErr == nil {
		uri, err := r.store.Put(repCtx, storage.OutputKey(msg.JobID, msg.TaskID), output)
		if err != nil {
			log.Error("Failed to upload output artifact", "error", err)
			execErr = fmt.Errorf("output upload failed: %v", err)
		} else {
			if err := r.publisher.Publish(repCtx, events.TaskCompleted(msg.TaskID, msg.JobID, stage, uri, msg.RequestID)); err != nil {
				log.Error("Failed to publish task completion", "error", err)
				return
			}
			if err := r.queue.Ack(repCtx, stage, msg.ID); err != nil {
				log.Error("Failed to ack completed task", "error", err)
			}
			log.Info("Task completed", "output_uri", uri)
			return
		}
	}

	if err := r.publisher.Publish(repCtx, events.TaskFailed(msg.TaskID, msg.JobID, stage, execErr.Error(), msg.RequestID)); err != nil {
		log.Error("Failed to publish task failure", "error", err)
		return
	}
	if err := r.queue.Ack(repCtx, stage, msg.ID); err != nil {
		log.Error("Failed to ack failed task", "error", err)
	}
	log.Warn("Task failed", "error", execErr)
}

// execute resolves the input artifact and runs the executor under the
// message's advisory deadline.
func (r *Runner) execute(ctx context.Context, msg *queue.Message) ([]byte, error) {
	inputURI := r.store.URI(storage.InputKey(msg.JobID, msg.TaskID))
	data, err := r.store.Get(ctx, inputURI)
	if err != nil {
		return nil, fmt.Errorf("input artifact fetch failed: %v", err)
	}
	var input models.TaskInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input artifact corrupt: %v", err)
	}

	execCtx := ctx
	if !msg.TimeoutAt.IsZero() {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithDeadline(ctx, msg.TimeoutAt)
		defer cancel()
	}

	output, err := r.executor.Execute(execCtx, Execution{
		TaskID:    msg.TaskID,
		JobID:     msg.JobID,
		RequestID: msg.RequestID,
		Stage:     input.Stage,
		Input:     input,
		Progress:  r.progressFunc(msg, input.Stage),
	})
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("task timed out at %s", msg.TimeoutAt.UTC().Format(time.RFC3339))
		}
		return nil, err
	}
	return output, nil
}

func (r *Runner) progressFunc(msg *queue.Message, stage string) func(float64) {
	return func(fraction float64) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.publisher.Publish(ctx, events.TaskProgress(msg.TaskID, msg.JobID, stage, fraction)); err != nil {
			slog.Debug("Failed to publish task progress", "task_id", msg.TaskID, "error", err)
		}
	}
}
