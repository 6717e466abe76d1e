// Package reconciler repairs drift between the database's task state, the
// dispatch queue's pending entries and the engine registry. One instance
// sweeps at a time, elected through a broker lease; every repair is
// conditional on current state, so a sweep racing live traffic or an
// overlapping leader after a lease handoff duplicates work, never corrupts it.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/pkg/broker"
	"github.com/dalston-ai/dalston/pkg/config"
	"github.com/dalston-ai/dalston/pkg/events"
	"github.com/dalston-ai/dalston/pkg/queue"
	"github.com/dalston-ai/dalston/pkg/registry"
	"github.com/dalston-ai/dalston/pkg/services"
	"github.com/dalston-ai/dalston/pkg/storage"
)

// leaderKey is the lease every reconciler instance competes for.
const leaderKey = "dalston:reconciler:leader"

// orphanError marks tasks failed because their engine disappeared without
// reporting an outcome.
const orphanError = "orphaned"

// Service is the periodic sweeper.
type Service struct {
	cfg       *config.Config
	tasks     *services.TaskService
	queue     *queue.Queue
	registry  *registry.Registry
	store     storage.Store
	publisher *events.Publisher
	lease     *broker.Lease
	leading   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a reconciler. Each instance competes for leadership
// under its own identity.
func NewService(
	cfg *config.Config,
	tasks *services.TaskService,
	q *queue.Queue,
	reg *registry.Registry,
	store storage.Store,
	publisher *events.Publisher,
	rdb *redis.Client,
) *Service {
	owner := registry.NewInstanceID("reconciler")
	return &Service{
		cfg:       cfg,
		tasks:     tasks,
		queue:     q,
		registry:  reg,
		store:     store,
		publisher: publisher,
		lease:     broker.NewLease(rdb, leaderKey, owner, cfg.Reconciler.LeaderTTL),
	}
}

// Start launches the sweep loop. The first sweep runs immediately so a
// restarted deployment repairs damage without waiting out an interval.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Reconciler started",
		"sweep_interval", s.cfg.Reconciler.SweepInterval,
		"stale_threshold", s.cfg.Reconciler.StaleThreshold,
		"orphan_threshold", s.cfg.Reconciler.OrphanThreshold)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Reconciler stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Reconciler.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.standDown()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick takes or keeps leadership, then sweeps. A follower does nothing until
// the current leader's lease lapses.
func (s *Service) tick(ctx context.Context) {
	held, err := s.lease.Acquire(ctx)
	if err != nil {
		slog.Error("Reconciler leadership check failed", "error", err)
		return
	}
	if held != s.leading {
		s.leading = held
		if held {
			slog.Info("Reconciler leadership acquired")
		} else {
			slog.Warn("Reconciler leadership lost, standing down")
		}
	}
	if !held {
		return
	}
	if err := s.Sweep(ctx); err != nil {
		slog.Error("Reconcile sweep failed", "error", err)
	}
}

// standDown releases a held lease on shutdown so a peer can take over
// without waiting for expiry.
func (s *Service) standDown() {
	if !s.leading {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.lease.Release(ctx); err != nil {
		slog.Warn("Failed to release reconciler lease", "error", err)
	}
	s.leading = false
}
