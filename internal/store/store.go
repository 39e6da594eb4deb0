package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store exposes the transactional operations every other component uses to
// read and mutate durable state. Each exported method is a single
// transaction; conditional updates signal lost races with ErrConflict.
type Store struct {
	db *sql.DB
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// marshalEvent builds the event JSON stored in job_events: the type plus any
// additional fields, flattened into one object.
func marshalEvent(eventType string, data map[string]any) (json.RawMessage, error) {
	m := make(map[string]any, len(data)+1)
	for k, v := range data {
		m[k] = v
	}
	m["type"] = eventType
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}

// appendEventTx appends a row to the job event log and, in the same
// transaction, enqueues the matching webhook outbox row. Committing state
// changes and their notifications together is what makes delivery reliable
// across crashes.
func appendEventTx(tx *sql.Tx, jobID string, now time.Time, eventType string, data map[string]any) error {
	event, err := marshalEvent(eventType, data)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		`INSERT INTO job_events (job_id, ts, event) VALUES (?, ?, ?)`,
		jobID, fmtTime(now), string(event),
	); err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}

	outboxID := uuid.NewString()
	envelope, err := json.Marshal(map[string]any{
		"id":     outboxID, // same as outbox PK so subscribers can dedupe
		"job_id": jobID,
		"type":   eventType,
		"ts":     fmtTime(now),
		"data":   json.RawMessage(event),
	})
	if err != nil {
		return fmt.Errorf("marshal outbox envelope: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO webhook_outbox (id, job_id, event, status, attempts, next_attempt_at, created_at)
		 VALUES (?, ?, ?, 'pending', 0, ?, ?)`,
		outboxID, jobID, string(envelope), fmtTime(now), fmtTime(now),
	); err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}

	return nil
}
