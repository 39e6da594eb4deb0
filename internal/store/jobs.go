package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, kind, queue, priority, payload, status, attempts, cancel_requested, lease_owner, lease_until, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j          Job
		payload    string
		cancel     int64
		leaseUntil sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := r.Scan(
		&j.ID, &j.Kind, &j.Queue, &j.Priority, &payload, &j.Status, &j.Attempts,
		&cancel, &j.LeaseOwner, &leaseUntil, &j.Error, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = []byte(payload)
	j.CancelRequested = cancel != 0
	if j.LeaseUntil, err = parseNullTime(leaseUntil); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func getJobTx(tx *sql.Tx, id string) (*Job, error) {
	row := tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// InsertJob persists a new pending job together with its initial submitted
// event. The caller provides ID, Kind, Queue, Priority and Payload; the
// store owns timestamps and initial status.
func (s *Store) InsertJob(ctx context.Context, j *Job) (*Job, error) {
	now := time.Now().UTC()
	var out *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO jobs (id, kind, queue, priority, payload, status, attempts, cancel_requested, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 'pending', 0, 0, ?, ?)`,
			j.ID, j.Kind, j.Queue, j.Priority, string(j.Payload), fmtTime(now), fmtTime(now),
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		if err := appendEventTx(tx, j.ID, now, "submitted", map[string]any{
			"kind":     j.Kind,
			"queue":    j.Queue,
			"priority": j.Priority,
		}); err != nil {
			return err
		}

		var err error
		out, err = getJobTx(tx, j.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetJob returns a job by id or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns the most recently created jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobsByOwner returns the running jobs currently leased to a worker.
// Workers use this to pick up scheduler-assigned work.
func (s *Store) ListJobsByOwner(ctx context.Context, workerID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'running' AND lease_owner = ? ORDER BY created_at ASC, id ASC`,
		workerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by owner: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// ListJobEvents returns the append-only event log for a job in insertion
// order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]*JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, ts, event FROM job_events WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var out []*JobEvent
	for rows.Next() {
		var (
			ev    JobEvent
			ts    string
			event string
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ts, &event); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if ev.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		ev.Event = []byte(event)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return out, nil
}

// ClaimParams describes a claim attempt on behalf of a worker.
type ClaimParams struct {
	Queue     string
	WorkerID  string
	LeaseDur  time.Duration
	LockGrace time.Duration // dataset locks outlive the job lease by this much
	Cap       int           // queue concurrency cap; 0 admits nothing
	Now       time.Time     // zero value means time.Now
}

// candidateScanLimit is the batch size of the candidate scan. A claim
// attempt keeps paging past dataset-blocked batches until the queue is
// exhausted, so a blocked head never starves eligible jobs behind it.
const candidateScanLimit = 16

// ClaimNextJob selects and leases the next eligible pending job in one
// transaction: queue cap check, candidate scan ordered by priority then age,
// dataset lock acquisition, and the conditional pending -> running flip with
// a claimed event. Returns (nil, nil) when nothing is eligible.
func (s *Store) ClaimNextJob(ctx context.Context, p ClaimParams) (*Job, error) {
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var claimed *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var running int64
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM jobs WHERE queue = ? AND status = 'running' AND lease_until > ?`,
			p.Queue, fmtTime(now),
		).Scan(&running); err != nil {
			return fmt.Errorf("count running: %w", err)
		}
		if running >= int64(p.Cap) {
			return nil
		}

		leaseUntil := now.Add(p.LeaseDur)
		var after *Job
		for {
			// lease_until doubles as a not-before timer for pending jobs
			// scheduled for a delayed retry. Keyset pagination on the
			// (priority DESC, created_at ASC, id ASC) scan order pages past
			// batches where every candidate lost its dataset lock.
			query := `SELECT ` + jobColumns + ` FROM jobs
			 WHERE queue = ? AND status = 'pending' AND (lease_until IS NULL OR lease_until <= ?)`
			args := []any{p.Queue, fmtTime(now)}
			if after != nil {
				query += ` AND (priority < ? OR (priority = ? AND (created_at > ? OR (created_at = ? AND id > ?))))`
				cursor := fmtTime(after.CreatedAt)
				args = append(args, after.Priority, after.Priority, cursor, cursor, after.ID)
			}
			query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`
			args = append(args, candidateScanLimit)

			rows, err := tx.Query(query, args...)
			if err != nil {
				return fmt.Errorf("select candidates: %w", err)
			}
			candidates, err := collectJobs(rows)
			rows.Close()
			if err != nil {
				return err
			}

			for _, cand := range candidates {
				if ds := cand.DatasetID(); ds != "" {
					ok, err := tryAcquireDatasetLockTx(tx, ds, cand.ID, now, leaseUntil.Add(p.LockGrace))
					if err != nil {
						return err
					}
					if !ok {
						continue
					}
				}

				res, err := tx.Exec(
					`UPDATE jobs
					 SET status = 'running', attempts = attempts + 1,
					     lease_owner = ?, lease_until = ?, updated_at = ?
					 WHERE id = ? AND status = 'pending'`,
					p.WorkerID, fmtTime(leaseUntil), fmtTime(now), cand.ID,
				)
				if err != nil {
					return fmt.Errorf("claim job: %w", err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return fmt.Errorf("claim rows affected: %w", err)
				}
				if n == 0 {
					continue
				}

				if err := appendEventTx(tx, cand.ID, now, "claimed", map[string]any{
					"worker_id": p.WorkerID,
					"queue":     p.Queue,
					"attempt":   cand.Attempts + 1,
				}); err != nil {
					return err
				}

				claimed, err = getJobTx(tx, cand.ID)
				return err
			}

			if len(candidates) < candidateScanLimit {
				return nil
			}
			after = candidates[len(candidates)-1]
		}
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// HeartbeatLease renews a running or paused job's lease for its owner and
// extends the job's dataset lock. Returns the refreshed job so callers can
// observe cancel_requested and the current status. ErrConflict when the
// caller no longer owns the lease.
func (s *Store) HeartbeatLease(ctx context.Context, jobID, workerID string, leaseDur, lockGrace time.Duration) (*Job, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseDur)

	var out *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE jobs SET lease_until = ?, updated_at = ?
			 WHERE id = ? AND status IN ('running', 'paused') AND lease_owner = ?`,
			fmtTime(leaseUntil), fmtTime(now), jobID, workerID,
		)
		if err != nil {
			return fmt.Errorf("heartbeat lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("heartbeat rows affected: %w", err)
		}
		if n == 0 {
			if _, err := getJobTx(tx, jobID); err != nil {
				return err
			}
			return ErrConflict
		}

		if _, err := tx.Exec(
			`UPDATE dataset_locks SET lease_until = ? WHERE job_id = ?`,
			fmtTime(leaseUntil.Add(lockGrace)), jobID,
		); err != nil {
			return fmt.Errorf("renew dataset lock: %w", err)
		}

		out, err = getJobTx(tx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendProgress records a worker-reported progress event and renews the
// lease in the same transaction. The job must be running and owned by the
// caller.
func (s *Store) AppendProgress(ctx context.Context, jobID, workerID string, data map[string]any, leaseDur, lockGrace time.Duration) (*Job, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseDur)

	var out *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE jobs SET lease_until = ?, updated_at = ?
			 WHERE id = ? AND status = 'running' AND lease_owner = ?`,
			fmtTime(leaseUntil), fmtTime(now), jobID, workerID,
		)
		if err != nil {
			return fmt.Errorf("progress lease renewal: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("progress rows affected: %w", err)
		}
		if n == 0 {
			if _, err := getJobTx(tx, jobID); err != nil {
				return err
			}
			return ErrConflict
		}

		if _, err := tx.Exec(
			`UPDATE dataset_locks SET lease_until = ? WHERE job_id = ?`,
			fmtTime(leaseUntil.Add(lockGrace)), jobID,
		); err != nil {
			return fmt.Errorf("renew dataset lock: %w", err)
		}

		if err := appendEventTx(tx, jobID, now, "progress", data); err != nil {
			return err
		}

		out, err = getJobTx(tx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StatusChange is a conditional state transition. The update only applies
// when the job's current status is one of From (and, when Owner is set, the
// caller holds the lease); otherwise ErrConflict.
type StatusChange struct {
	JobID string
	From  []JobStatus
	To    JobStatus

	// Owner, when non-empty, requires lease_owner = Owner.
	Owner string

	// ClearLease drops lease_owner and lease_until.
	ClearLease bool

	// NotBefore, when set with To = pending, delays eligibility for the
	// next claim by writing lease_until as a not-before timer.
	NotBefore time.Time

	// SetCancelRequested overrides the cancel_requested flag when non-nil.
	SetCancelRequested *bool

	// ErrorMsg replaces the error column; nil clears it.
	ErrorMsg *string

	// ReleaseDataset drops any dataset lock held by this job.
	ReleaseDataset bool

	// EventType and EventData describe the event appended (and enqueued to
	// the outbox) with the transition.
	EventType string
	EventData map[string]any
}

// SetStatus applies a conditional state transition, appends its event and
// enqueues the outbox row, all in one transaction. Returns the updated job.
func (s *Store) SetStatus(ctx context.Context, ch StatusChange) (*Job, error) {
	if len(ch.From) == 0 || ch.To == "" || ch.EventType == "" {
		return nil, fmt.Errorf("invalid status change: from/to/event are required")
	}
	now := time.Now().UTC()

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(ch.To), fmtTime(now)}

	switch {
	case ch.ClearLease:
		set = append(set, "lease_owner = NULL", "lease_until = NULL")
	case !ch.NotBefore.IsZero():
		set = append(set, "lease_owner = NULL", "lease_until = ?")
		args = append(args, fmtTime(ch.NotBefore))
	}
	if ch.SetCancelRequested != nil {
		set = append(set, "cancel_requested = ?")
		if *ch.SetCancelRequested {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	set = append(set, "error = ?")
	if ch.ErrorMsg != nil {
		args = append(args, *ch.ErrorMsg)
	} else {
		args = append(args, nil)
	}

	where := []string{"id = ?"}
	args = append(args, ch.JobID)
	placeholders := make([]string, len(ch.From))
	for i, st := range ch.From {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	if ch.Owner != "" {
		where = append(where, "lease_owner = ?")
		args = append(args, ch.Owner)
	}

	query := "UPDATE jobs SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ")

	var out *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("set status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set status rows affected: %w", err)
		}
		if n == 0 {
			if _, err := getJobTx(tx, ch.JobID); err != nil {
				return err
			}
			return ErrConflict
		}

		if ch.ReleaseDataset {
			if _, err := tx.Exec(`DELETE FROM dataset_locks WHERE job_id = ?`, ch.JobID); err != nil {
				return fmt.Errorf("release dataset lock: %w", err)
			}
		}

		if err := appendEventTx(tx, ch.JobID, now, ch.EventType, ch.EventData); err != nil {
			return err
		}

		out, err = getJobTx(tx, ch.JobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RunningCount returns the number of running jobs with a live lease in a
// queue.
func (s *Store) RunningCount(ctx context.Context, queue string, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue = ? AND status = 'running' AND lease_until > ?`,
		queue, fmtTime(now),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("running count: %w", err)
	}
	return n, nil
}

// PendingQueues returns the distinct queues that currently have pending
// jobs, so the scheduler also visits queues absent from static config.
func (s *Store) PendingQueues(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT queue FROM jobs WHERE status = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("pending queues: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queues: %w", err)
	}
	return out, nil
}

// ExpiredLease describes the outcome of reclaiming one expired job lease.
type ExpiredLease struct {
	JobID  string
	Status JobStatus // pending, failed or cancelled after reclaim
}

// ExpireLeases reclaims every running job whose lease has expired. Jobs with
// a pending cancel request become cancelled, jobs that exhausted their
// attempt budget become failed with error "lease_exhausted", everything else
// returns to pending. Dataset locks held by reclaimed jobs are released.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time, maxAttempts int64) ([]ExpiredLease, error) {
	var out []ExpiredLease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT `+jobColumns+` FROM jobs
			 WHERE status = 'running' AND lease_until IS NOT NULL AND lease_until < ?`,
			fmtTime(now),
		)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		expired, err := collectJobs(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, j := range expired {
			var (
				to        JobStatus
				errCol    any
				eventType string
			)
			data := map[string]any{"worker_id": j.LeaseOwner.String, "attempts": j.Attempts}
			switch {
			case j.CancelRequested:
				to = StatusCancelled
				eventType = "cancelled"
				data["reason"] = "lease_expired"
			case j.Attempts >= maxAttempts:
				to = StatusFailed
				errCol = "lease_exhausted"
				eventType = "lease_expired"
				data["status"] = string(StatusFailed)
				data["error"] = "lease_exhausted"
			default:
				to = StatusPending
				eventType = "lease_expired"
				data["status"] = string(StatusPending)
			}

			res, err := tx.Exec(
				`UPDATE jobs SET status = ?, lease_owner = NULL, lease_until = NULL, error = ?, updated_at = ?
				 WHERE id = ? AND status = 'running'`,
				string(to), errCol, fmtTime(now), j.ID,
			)
			if err != nil {
				return fmt.Errorf("reclaim lease: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				if err != nil {
					return fmt.Errorf("reclaim rows affected: %w", err)
				}
				continue
			}

			if _, err := tx.Exec(`DELETE FROM dataset_locks WHERE job_id = ?`, j.ID); err != nil {
				return fmt.Errorf("release dataset lock: %w", err)
			}

			if err := appendEventTx(tx, j.ID, now, eventType, data); err != nil {
				return err
			}
			out = append(out, ExpiredLease{JobID: j.ID, Status: to})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
