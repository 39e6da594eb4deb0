// Package registry tracks worker liveness. Workers register on startup and
// heartbeat periodically; a worker whose heartbeat goes stale stops receiving
// scheduler assignments and is eventually pruned.
package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/garnizeh/trainflow/internal/store"
)

// Registry is the worker liveness view over the workers table.
type Registry struct {
	store *store.Store
	ttl   time.Duration
	log   zerolog.Logger
}

// New constructs a Registry. ttl is how stale a heartbeat may be before the
// worker counts as dead.
func New(st *store.Store, ttl time.Duration, log zerolog.Logger) *Registry {
	return &Registry{store: st, ttl: ttl, log: log}
}

// Heartbeat registers the worker if needed and refreshes its heartbeat.
func (r *Registry) Heartbeat(ctx context.Context, id, hostname string) error {
	if err := r.store.UpsertWorker(ctx, id, hostname, time.Now().UTC()); err != nil {
		return err
	}
	r.log.Debug().Str("worker_id", id).Str("hostname", hostname).Msg("worker heartbeat")
	return nil
}

// ListActive returns the workers considered alive right now.
func (r *Registry) ListActive(ctx context.Context) ([]*store.Worker, error) {
	return r.store.ListActiveWorkers(ctx, time.Now().UTC(), r.ttl)
}

// Prune removes workers that have not heartbeat since the cutoff. Returns how
// many rows were deleted.
func (r *Registry) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := r.store.PruneWorkers(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info().Int64("pruned", n).Msg("pruned dead workers")
	}
	return n, nil
}
