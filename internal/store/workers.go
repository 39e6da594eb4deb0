package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertWorker registers a worker or refreshes its heartbeat and hostname.
func (s *Store) UpsertWorker(ctx context.Context, id, hostname string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, hostname, started_at, last_heartbeat)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		   SET hostname = excluded.hostname, last_heartbeat = excluded.last_heartbeat`,
		id, hostname, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// TouchWorker updates a registered worker's heartbeat. ErrNotFound when the
// worker was never registered.
func (s *Store) TouchWorker(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch worker rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveWorkers returns workers whose heartbeat is within ttl of now.
func (s *Store) ListActiveWorkers(ctx context.Context, now time.Time, ttl time.Duration) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hostname, started_at, last_heartbeat FROM workers
		 WHERE last_heartbeat >= ? ORDER BY id ASC`,
		fmtTime(now.Add(-ttl)),
	)
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		var (
			w         Worker
			started   string
			heartbeat string
		)
		if err := rows.Scan(&w.ID, &w.Hostname, &started, &heartbeat); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if w.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if w.LastHeartbeat, err = parseTime(heartbeat); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}

// PruneWorkers deletes workers whose last heartbeat is older than the cutoff.
func (s *Store) PruneWorkers(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workers WHERE last_heartbeat < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune workers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune workers rows affected: %w", err)
	}
	return n, nil
}
