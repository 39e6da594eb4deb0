package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const outboxColumns = `id, job_id, event, status, attempts, next_attempt_at, locked_by, locked_until, last_error, delivered_at, created_at`

func scanOutboxRow(r rowScanner) (*OutboxRow, error) {
	var (
		o           OutboxRow
		event       string
		nextAttempt string
		lockedUntil sql.NullString
		deliveredAt sql.NullString
		createdAt   string
	)
	err := r.Scan(
		&o.ID, &o.JobID, &event, &o.Status, &o.Attempts, &nextAttempt,
		&o.LockedBy, &lockedUntil, &o.LastError, &deliveredAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	o.Event = []byte(event)
	if o.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return nil, err
	}
	if o.LockedUntil, err = parseNullTime(lockedUntil); err != nil {
		return nil, err
	}
	if o.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// OutboxClaimBatch claims up to n deliverable rows for a delivery worker.
// A row is claimable when it is undelivered, not permanently failed, due for
// its next attempt, and not locked by a live delivery worker. The claim sets
// locked_by/locked_until atomically so concurrent delivery workers never
// pick the same row.
func (s *Store) OutboxClaimBatch(ctx context.Context, lockerID string, n int, lockDur time.Duration, now time.Time) ([]*OutboxRow, error) {
	if n <= 0 {
		n = 32
	}
	lockedUntil := now.Add(lockDur)

	var out []*OutboxRow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT `+outboxColumns+` FROM webhook_outbox
			 WHERE delivered_at IS NULL
			   AND status IN ('pending', 'retrying')
			   AND next_attempt_at <= ?
			   AND (locked_until IS NULL OR locked_until <= ?)
			 ORDER BY next_attempt_at ASC
			 LIMIT ?`,
			fmtTime(now), fmtTime(now), n,
		)
		if err != nil {
			return fmt.Errorf("select claimable outbox rows: %w", err)
		}
		for rows.Next() {
			o, err := scanOutboxRow(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox row: %w", err)
			}
			out = append(out, o)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate outbox rows: %w", err)
		}
		rows.Close()

		if len(out) == 0 {
			return nil
		}

		ids := make([]any, 0, len(out)+2)
		ids = append(ids, lockerID, fmtTime(lockedUntil))
		placeholders := make([]string, len(out))
		for i, o := range out {
			placeholders[i] = "?"
			ids = append(ids, o.ID)
		}
		if _, err := tx.Exec(
			`UPDATE webhook_outbox SET locked_by = ?, locked_until = ?
			 WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
			ids...,
		); err != nil {
			return fmt.Errorf("lock outbox rows: %w", err)
		}

		for _, o := range out {
			o.LockedBy = sql.NullString{String: lockerID, Valid: true}
			o.LockedUntil = sql.NullTime{Time: lockedUntil, Valid: true}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OutboxMarkDelivered settles a row as delivered. ErrConflict when the row
// was already settled.
func (s *Store) OutboxMarkDelivered(ctx context.Context, id string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE webhook_outbox
			 SET status = 'delivered', delivered_at = ?, locked_by = NULL, locked_until = NULL, last_error = NULL
			 WHERE id = ? AND delivered_at IS NULL`,
			fmtTime(now), id,
		)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark delivered rows affected: %w", err)
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRow(`SELECT 1 FROM webhook_outbox WHERE id = ?`, id).Scan(&exists); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				return fmt.Errorf("check outbox row: %w", err)
			}
			return ErrConflict
		}
		return nil
	})
}

// OutboxReschedule records a failed attempt: the attempt counter advances,
// the lock clears, and the row either waits for nextAttemptAt or, when
// permanent is true, settles as failed.
func (s *Store) OutboxReschedule(ctx context.Context, id, lastError string, nextAttemptAt time.Time, permanent bool) error {
	status := OutboxRetrying
	if permanent {
		status = OutboxFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_outbox
		 SET status = ?, attempts = attempts + 1, next_attempt_at = ?,
		     locked_by = NULL, locked_until = NULL, last_error = ?
		 WHERE id = ? AND delivered_at IS NULL`,
		status, fmtTime(nextAttemptAt), lastError, id,
	)
	if err != nil {
		return fmt.Errorf("reschedule outbox row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reschedule rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// OutboxRescueStuck clears locks abandoned by crashed delivery workers so
// the rows become claimable again.
func (s *Store) OutboxRescueStuck(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_outbox SET locked_by = NULL, locked_until = NULL
		 WHERE delivered_at IS NULL AND locked_until IS NOT NULL AND locked_until < ?`,
		fmtTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("rescue stuck outbox rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rescue rows affected: %w", err)
	}
	return n, nil
}

// OutboxBacklog counts rows currently due for delivery.
func (s *Store) OutboxBacklog(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_outbox
		 WHERE delivered_at IS NULL AND status IN ('pending', 'retrying') AND next_attempt_at <= ?`,
		fmtTime(now),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox backlog: %w", err)
	}
	return n, nil
}

// GetOutboxRow returns one outbox row by id.
func (s *Store) GetOutboxRow(ctx context.Context, id string) (*OutboxRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM webhook_outbox WHERE id = ?`, id)
	o, err := scanOutboxRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get outbox row: %w", err)
	}
	return o, nil
}

// ListOutboxByJob returns a job's outbox rows in insertion order.
func (s *Store) ListOutboxByJob(ctx context.Context, jobID string) ([]*OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM webhook_outbox WHERE job_id = ? ORDER BY created_at ASC, id ASC`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list outbox by job: %w", err)
	}
	defer rows.Close()

	var out []*OutboxRow
	for rows.Next() {
		o, err := scanOutboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}
