// Package cleanup provides data retention enforcement.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dalston-ai/dalston/pkg/config"
	"github.com/dalston-ai/dalston/pkg/services"
	"github.com/dalston-ai/dalston/pkg/storage"
)

// Service periodically purges terminal jobs whose retention window has
// passed: artifacts first, then the row (task rows cascade with it).
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	jobs   *services.JobService
	store  storage.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(
	cfg *config.RetentionConfig,
	jobs *services.JobService,
	store storage.Store,
) *Service {
	return &Service{
		config: cfg,
		jobs:   jobs,
		store:  store,
	}
}

// Start launches the background purge loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"purge_interval", s.config.PurgeInterval,
		"purge_batch", s.config.PurgeBatch)
}

// Stop signals the purge loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.purgeExpired(ctx)

	ticker := time.NewTicker(s.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeExpired(ctx)
		}
	}
}

// purgeExpired deletes one batch of expired jobs. Artifacts go before the
// row: an interruption leaves purge_after set and the next pass finishes the
// job off. A row the gateway deleted concurrently is skipped.
func (s *Service) purgeExpired(ctx context.Context) {
	jobs, err := s.jobs.ListPurgeable(ctx, time.Now().UTC(), s.config.PurgeBatch)
	if err != nil {
		slog.Error("Retention: listing purgeable jobs failed", "error", err)
		return
	}

	purged := 0
	artifacts := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}

		n, err := s.store.DeletePrefix(ctx, storage.JobPrefix(job.ID))
		if err != nil {
			slog.Error("Retention: artifact purge failed", "job_id", job.ID, "error", err)
			continue
		}

		if err := s.jobs.DeleteJob(ctx, job.ID); err != nil {
			if !errors.Is(err, services.ErrNotFound) {
				slog.Error("Retention: job row delete failed", "job_id", job.ID, "error", err)
			}
			continue
		}
		purged++
		artifacts += n
	}

	if purged > 0 {
		slog.Info("Retention: purged expired jobs", "jobs", purged, "artifacts", artifacts)
	}
}
