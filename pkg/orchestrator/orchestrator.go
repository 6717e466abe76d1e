// Package orchestrator contains the event-driven core of the system: the
// scheduler that turns accepted jobs into task graphs, and the handlers that
// advance job and task state machines as engines report progress.
//
// Every handler is idempotent. The durable event stream delivers
// at-least-once, replays may arrive on any orchestrator process, and no
// handler holds state between invocations: each one re-derives what to do
// from the database and applies its writes through conditional updates.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/dalston-ai/dalston/pkg/broker"
	"github.com/dalston-ai/dalston/pkg/config"
	"github.com/dalston-ai/dalston/pkg/dag"
	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/queue"
	"github.com/dalston-ai/dalston/pkg/registry"
	"github.com/dalston-ai/dalston/pkg/services"
	"github.com/dalston-ai/dalston/pkg/storage"
)

// Orchestrator processes crash-critical events from the durable stream and
// owns all job/task lifecycle writes.
type Orchestrator struct {
	cfg       *config.Config
	jobs      *services.JobService
	tasks     *services.TaskService
	queue     *queue.Queue
	registry  *registry.Registry
	store     storage.Store
	publisher *events.Publisher
	guard     *broker.Guard
	counters  *broker.Counters
	builder   *dag.Builder
}

// NewOrchestrator creates the orchestrator over its collaborators.
func NewOrchestrator(
	cfg *config.Config,
	jobs *services.JobService,
	tasks *services.TaskService,
	q *queue.Queue,
	reg *registry.Registry,
	store storage.Store,
	publisher *events.Publisher,
	guard *broker.Guard,
	counters *broker.Counters,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		jobs:      jobs,
		tasks:     tasks,
		queue:     q,
		registry:  reg,
		store:     store,
		publisher: publisher,
		guard:     guard,
		counters:  counters,
		builder:   dag.NewBuilder(cfg, reg),
	}
}

var _ events.Handler = (*Orchestrator)(nil)

// HandleEvent routes one durable-stream event to its handler. A nil return
// acknowledges the entry; an error leaves it pending for redelivery, so
// handlers return errors only for transient failures that a retry can fix.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev *events.Event) error {
	switch ev.Type {
	case events.EventTypeJobCreated:
		return o.handleJobCreated(ctx, ev)
	case events.EventTypeTaskStarted:
		return o.handleTaskStarted(ctx, ev)
	case events.EventTypeTaskCompleted:
		return o.handleTaskCompleted(ctx, ev)
	case events.EventTypeTaskFailed:
		return o.handleTaskFailed(ctx, ev)
	case events.EventTypeJobCancelRequested:
		return o.handleCancelRequested(ctx, ev)
	case events.EventTypeJobCompleted, events.EventTypeJobFailed, events.EventTypeJobCancelled:
		// Terminal notifications exist for downstream consumers (webhook
		// dispatch); the orchestrator has nothing left to do.
		return nil
	default:
		slog.Debug("Ignoring unhandled event type", "event_type", ev.Type)
		return nil
	}
}
