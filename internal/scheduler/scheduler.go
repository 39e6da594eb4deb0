// Package scheduler runs the dispatch loop: on every tick it visits each
// queue that has pending work and assigns eligible jobs to live workers,
// round-robin, up to the queue's concurrency cap. Workers pick up their
// assignments on the next poll; pull-based claims through the API share the
// same store transaction, so the two paths never double-assign.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/garnizeh/trainflow/internal/config"
	"github.com/garnizeh/trainflow/internal/jobs"
	"github.com/garnizeh/trainflow/internal/metrics"
	"github.com/garnizeh/trainflow/internal/registry"
	"github.com/garnizeh/trainflow/internal/store"
)

// Scheduler assigns pending jobs to live workers.
type Scheduler struct {
	store    *store.Store
	ctrl     *jobs.Controller
	registry *registry.Registry
	cfg      *config.Config
	log      zerolog.Logger

	rr int // round-robin cursor over the active worker list
}

// New constructs a Scheduler.
func New(st *store.Store, ctrl *jobs.Controller, reg *registry.Registry, cfg *config.Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{store: st, ctrl: ctrl, registry: reg, cfg: cfg, log: log}
}

// Run executes the dispatch loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SchedulerTick)
	defer ticker.Stop()

	s.log.Info().Dur("tick", s.cfg.SchedulerTick).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

// Tick performs one dispatch pass over all queues with pending work.
func (s *Scheduler) Tick(ctx context.Context) error {
	queues, err := s.store.PendingQueues(ctx)
	if err != nil {
		return err
	}
	if len(queues) == 0 {
		return nil
	}

	workers, err := s.registry.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, queue := range queues {
		if err := s.dispatchQueue(ctx, queue, workers, now); err != nil {
			return err
		}
	}
	return nil
}

// dispatchQueue fills a queue up to its cap. Each assignment claims the next
// eligible job on behalf of the next worker in the rotation; a nil claim
// means the queue is either at cap or blocked on dataset locks, so we stop.
func (s *Scheduler) dispatchQueue(ctx context.Context, queue string, workers []*store.Worker, now time.Time) error {
	cap := s.cfg.QueueCap(queue)
	running, err := s.store.RunningCount(ctx, queue, now)
	if err != nil {
		return err
	}
	metrics.SetRunningJobs(queue, float64(running))

	for running < int64(cap) {
		w := workers[s.rr%len(workers)]
		s.rr++

		job, err := s.ctrl.Claim(ctx, queue, w.ID)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		running++
		s.log.Info().Str("job_id", job.ID).Str("queue", queue).Str("worker_id", w.ID).
			Msg("job assigned")
		metrics.SetRunningJobs(queue, float64(running))
	}
	return nil
}
