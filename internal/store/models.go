package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Error kinds surfaced by store operations. Components convert these at
// their boundary; the HTTP layer maps them to 404 and 409.
var (
	// ErrNotFound indicates the target row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conditional update matched zero rows: the
	// caller lost a compare-and-set or requested an illegal transition.
	ErrConflict = errors.New("conflict")
)

// JobStatus enumerates the job lifecycle states.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusPaused    JobStatus = "paused"
	StatusDone      JobStatus = "done"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a terminal status. Terminal jobs only leave
// via an explicit retry.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Outbox row statuses.
const (
	OutboxPending   = "pending"
	OutboxRetrying  = "retrying"
	OutboxDelivered = "delivered"
	OutboxFailed    = "failed"
)

// Job is a row in the jobs table.
type Job struct {
	ID              string
	Kind            string
	Queue           string
	Priority        int64
	Payload         json.RawMessage
	Status          JobStatus
	Attempts        int64
	CancelRequested bool
	LeaseOwner      sql.NullString
	LeaseUntil      sql.NullTime
	Error           sql.NullString
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DatasetID extracts the well-known dataset_id field from the payload.
// The payload is otherwise opaque to the orchestrator. Returns "" when the
// payload declares no dataset.
func (j *Job) DatasetID() string {
	return datasetIDFromPayload(j.Payload)
}

func datasetIDFromPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var probe struct {
		DatasetID string `json:"dataset_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.DatasetID
}

// JobEvent is an append-only log row. Events are never mutated or deleted.
type JobEvent struct {
	ID    int64
	JobID string
	TS    time.Time
	Event json.RawMessage
}

// Worker is a row in the workers table. A worker is alive iff
// now - last_heartbeat <= HeartbeatTTL.
type Worker struct {
	ID            string
	Hostname      string
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// DatasetLock grants a job exclusive, time-bounded access to a dataset.
// At most one row exists per dataset; expired rows are logically absent.
type DatasetLock struct {
	DatasetID  string
	JobID      string
	LeaseUntil time.Time
}

// OutboxRow is a pending or settled webhook delivery.
type OutboxRow struct {
	ID            string
	JobID         string
	Event         json.RawMessage
	Status        string
	Attempts      int64
	NextAttemptAt time.Time
	LockedBy      sql.NullString
	LockedUntil   sql.NullTime
	LastError     sql.NullString
	DeliveredAt   sql.NullTime
	CreatedAt     time.Time
}
