package store

import (
	"context"
	"fmt"
	"time"
)

// QueueCounts holds the per-queue running and pending totals used by the
// scheduler snapshot.
type QueueCounts struct {
	Running int64
	Pending int64
}

// SnapshotCounts aggregates the numbers the scheduler snapshot endpoint
// reports: global running/pending, live dataset locks, and per-queue counts.
type SnapshotCounts struct {
	Running        int64
	Pending        int64
	LockedDatasets int64
	Queues         map[string]QueueCounts
}

// Snapshot reads the aggregate counts in one pass over the jobs table.
func (s *Store) Snapshot(ctx context.Context, now time.Time) (*SnapshotCounts, error) {
	out := &SnapshotCounts{Queues: make(map[string]QueueCounts)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT queue, status, COUNT(*) FROM jobs
		 WHERE status IN ('running', 'pending') GROUP BY queue, status`)
	if err != nil {
		return nil, fmt.Errorf("snapshot counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			queue  string
			status string
			n      int64
		)
		if err := rows.Scan(&queue, &status, &n); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		qc := out.Queues[queue]
		switch JobStatus(status) {
		case StatusRunning:
			qc.Running = n
			out.Running += n
		case StatusPending:
			qc.Pending = n
			out.Pending += n
		}
		out.Queues[queue] = qc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}

	if out.LockedDatasets, err = s.CountLockedDatasets(ctx, now); err != nil {
		return nil, err
	}
	return out, nil
}
