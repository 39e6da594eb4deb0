package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// tryAcquireDatasetLockTx grants the lock when no row exists, the existing
// row is expired, or the row already belongs to the requesting job.
// Non-blocking try-lock semantics: returns false without waiting.
func tryAcquireDatasetLockTx(tx *sql.Tx, datasetID, jobID string, now, leaseUntil time.Time) (bool, error) {
	res, err := tx.Exec(
		`INSERT INTO dataset_locks (dataset_id, job_id, lease_until)
		 VALUES (?, ?, ?)
		 ON CONFLICT (dataset_id) DO UPDATE
		   SET job_id = excluded.job_id, lease_until = excluded.lease_until
		 WHERE dataset_locks.lease_until < ? OR dataset_locks.job_id = excluded.job_id`,
		datasetID, jobID, fmtTime(leaseUntil), fmtTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire dataset lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dataset lock rows affected: %w", err)
	}
	return n > 0, nil
}

// AcquireDatasetLock attempts to take the exclusive lock on a dataset for a
// job. Returns false when another live job holds it.
func (s *Store) AcquireDatasetLock(ctx context.Context, datasetID, jobID string, leaseUntil time.Time) (bool, error) {
	now := time.Now().UTC()
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = tryAcquireDatasetLockTx(tx, datasetID, jobID, now, leaseUntil)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ReleaseDatasetLock drops the lock if it is held by the given job. Releasing
// a lock owned by another job is a no-op.
func (s *Store) ReleaseDatasetLock(ctx context.Context, datasetID, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dataset_locks WHERE dataset_id = ? AND job_id = ?`, datasetID, jobID)
	if err != nil {
		return fmt.Errorf("release dataset lock: %w", err)
	}
	return nil
}

// GetDatasetLock returns the live lock on a dataset, or ErrNotFound when
// absent or expired.
func (s *Store) GetDatasetLock(ctx context.Context, datasetID string, now time.Time) (*DatasetLock, error) {
	var (
		l     DatasetLock
		lease string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT dataset_id, job_id, lease_until FROM dataset_locks WHERE dataset_id = ? AND lease_until > ?`,
		datasetID, fmtTime(now),
	).Scan(&l.DatasetID, &l.JobID, &lease)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dataset lock: %w", err)
	}
	if l.LeaseUntil, err = parseTime(lease); err != nil {
		return nil, err
	}
	return &l, nil
}

// ExpireDatasetLocks deletes locks whose lease has lapsed and returns how
// many were removed.
func (s *Store) ExpireDatasetLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dataset_locks WHERE lease_until < ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("expire dataset locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire locks rows affected: %w", err)
	}
	return n, nil
}

// CountLockedDatasets returns how many datasets hold a live lock.
func (s *Store) CountLockedDatasets(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dataset_locks WHERE lease_until > ?`, fmtTime(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count locked datasets: %w", err)
	}
	return n, nil
}
