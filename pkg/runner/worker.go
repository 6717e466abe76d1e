package runner

import (
	"context"
	"log/slog"
	"time"
)

// worker is one consume loop on one stage stream. All workers of an instance
// share the instance id as their consumer name, so pending-entry ownership
// and registry liveness describe the same identity.
type worker struct {
	id    string
	stage string
	drain bool
	r     *Runner
}

func (w *worker) run(ctx context.Context) {
	defer w.r.wg.Done()

	log := slog.With("worker_id", w.id, "stage", w.stage)
	log.Info("Worker started")

	if w.drain {
		w.drainOwnPending(ctx, log)
	}

	for {
		select {
		case <-w.r.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			msg, err := w.r.queue.ReadNext(ctx, w.stage, w.r.instanceID)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Error("Failed to read from stage stream", "error", err)
				w.sleep(time.Second)
				continue
			}
			if msg == nil {
				continue
			}
			w.r.process(ctx, w.stage, msg)
		}
	}
}

// drainOwnPending replays entries this consumer claimed in a previous life
// but never acknowledged. Only meaningful for stable instance ids; a fresh
// identity has nothing pending.
func (w *worker) drainOwnPending(ctx context.Context, log *slog.Logger) {
	msgs, err := w.r.queue.ReadOwnPending(ctx, w.stage, w.r.instanceID)
	if err != nil {
		log.Warn("Failed to read own pending entries", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	log.Info("Draining entries claimed in a previous life", "count", len(msgs))
	for _, msg := range msgs {
		select {
		case <-w.r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		w.r.process(ctx, w.stage, msg)
	}
}

// sleep waits out a backoff or returns early on stop.
func (w *worker) sleep(d time.Duration) {
	select {
	case <-w.r.stopCh:
	case <-time.After(d):
	}
}
