// Package sweeper runs the recovery loop. Each tick reclaims expired job
// leases, drops lapsed dataset locks, rescues outbox rows abandoned by
// crashed delivery workers, and prunes long-dead worker registrations. The
// sweeper is what turns a worker crash into a retry instead of a stuck job.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/garnizeh/trainflow/internal/config"
	"github.com/garnizeh/trainflow/internal/metrics"
	"github.com/garnizeh/trainflow/internal/store"
)

// workerPruneAge is how long a dead worker registration lingers before the
// sweeper deletes the row.
const workerPruneAge = 24 * time.Hour

// Sweeper reclaims expired leases and abandoned locks.
type Sweeper struct {
	store *store.Store
	cfg   *config.Config
	log   zerolog.Logger
}

// New constructs a Sweeper.
func New(st *store.Store, cfg *config.Config, log zerolog.Logger) *Sweeper {
	return &Sweeper{store: st, cfg: cfg, log: log}
}

// Run executes the recovery loop until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweeperTick)
	defer ticker.Stop()

	s.log.Info().Dur("tick", s.cfg.SweeperTick).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweeper tick failed")
			}
		}
	}
}

// Tick performs one recovery pass.
func (s *Sweeper) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	expired, err := s.store.ExpireLeases(ctx, now, s.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	for _, e := range expired {
		metrics.IncLeaseExpired()
		metrics.IncTransition(string(e.Status))
		s.log.Warn().Str("job_id", e.JobID).Str("status", string(e.Status)).
			Msg("lease expired, job reclaimed")
	}

	// Locks held by reclaimed jobs are released inside ExpireLeases; this
	// catches locks orphaned any other way once their grace lapses.
	if n, err := s.store.ExpireDatasetLocks(ctx, now); err != nil {
		return err
	} else if n > 0 {
		s.log.Info().Int64("released", n).Msg("expired dataset locks released")
	}

	if n, err := s.store.OutboxRescueStuck(ctx, now); err != nil {
		return err
	} else if n > 0 {
		s.log.Warn().Int64("rescued", n).Msg("stuck outbox locks cleared")
	}

	if backlog, err := s.store.OutboxBacklog(ctx, now); err != nil {
		return err
	} else {
		metrics.SetOutboxBacklog(float64(backlog))
	}

	if _, err := s.store.PruneWorkers(ctx, now.Add(-workerPruneAge)); err != nil {
		return err
	}
	return nil
}
