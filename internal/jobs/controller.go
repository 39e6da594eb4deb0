// Package jobs implements the job lifecycle controller: submission, claims,
// worker-reported progress and completion, cancellation, retry and the
// transient-failure backoff policy. Every transition goes through a
// conditional store update; a lost race surfaces as store.ErrConflict and is
// reported to the caller without retry.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/garnizeh/trainflow/internal/config"
	"github.com/garnizeh/trainflow/internal/metrics"
	"github.com/garnizeh/trainflow/internal/store"
)

// Failure kinds workers may report. Transient failures are eligible for
// auto-retry; cancelled maps the failure to a cooperative cancel ack.
const (
	FailTransient = "transient"
	FailPermanent = "permanent"
	FailCancelled = "cancelled"
)

// Controller encapsulates job lifecycle operations.
type Controller struct {
	store *store.Store
	cfg   *config.Config
	log   zerolog.Logger
}

// NewController constructs a Controller backed by the given store.
func NewController(st *store.Store, cfg *config.Config, log zerolog.Logger) *Controller {
	return &Controller{store: st, cfg: cfg, log: log}
}

// SubmitRequest is the validated input for a new job.
type SubmitRequest struct {
	Kind     string
	Queue    string
	Priority int64
	Payload  json.RawMessage
}

// inferQueue routes well-known kind prefixes to their queues when the
// submitter does not name one.
func inferQueue(kind, provided string) string {
	if provided != "" {
		return provided
	}
	switch {
	case strings.HasPrefix(kind, "train."):
		return "training_queue"
	case strings.HasPrefix(kind, "gpu."), strings.HasPrefix(kind, "image."):
		return "gpu_queue"
	case strings.HasPrefix(kind, "agent."):
		return "agent_queue"
	default:
		return "default"
	}
}

// Submit creates a pending job and its submitted event.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*store.Job, error) {
	if strings.TrimSpace(req.Kind) == "" {
		return nil, fmt.Errorf("kind is required")
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	} else if !json.Valid(payload) {
		return nil, fmt.Errorf("payload must be valid JSON")
	}

	job := &store.Job{
		ID:       uuid.NewString(),
		Kind:     req.Kind,
		Queue:    inferQueue(req.Kind, strings.TrimSpace(req.Queue)),
		Priority: req.Priority,
		Payload:  payload,
	}
	out, err := c.store.InsertJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	metrics.IncTransition(string(store.StatusPending))
	c.log.Info().Str("job_id", out.ID).Str("kind", out.Kind).Str("queue", out.Queue).Msg("job submitted")
	return out, nil
}

// Claim leases the next eligible job in a queue to a worker. Returns
// (nil, nil) when the queue is at cap or has no eligible candidate.
func (c *Controller) Claim(ctx context.Context, queue, workerID string) (*store.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if queue == "" {
		queue = "default"
	}
	job, err := c.store.ClaimNextJob(ctx, store.ClaimParams{
		Queue:     queue,
		WorkerID:  workerID,
		LeaseDur:  c.cfg.LeaseDur,
		LockGrace: c.cfg.LockGrace,
		Cap:       c.cfg.QueueCap(queue),
	})
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	if job != nil {
		metrics.IncClaimed(queue)
		metrics.IncTransition(string(store.StatusRunning))
		c.log.Info().Str("job_id", job.ID).Str("queue", queue).Str("worker_id", workerID).
			Int64("attempt", job.Attempts).Msg("job claimed")
	}
	return job, nil
}

// Heartbeat renews a worker's lease on a job. The returned job carries the
// cancel_requested flag and current status for the worker to observe.
func (c *Controller) Heartbeat(ctx context.Context, jobID, workerID string) (*store.Job, error) {
	return c.store.HeartbeatLease(ctx, jobID, workerID, c.cfg.LeaseDur, c.cfg.LockGrace)
}

// Progress appends a worker-reported progress event and renews the lease.
func (c *Controller) Progress(ctx context.Context, jobID, workerID string, data map[string]any) (*store.Job, error) {
	return c.store.AppendProgress(ctx, jobID, workerID, data, c.cfg.LeaseDur, c.cfg.LockGrace)
}

// Complete finishes a running job owned by the caller.
func (c *Controller) Complete(ctx context.Context, jobID, workerID string, result map[string]any) (*store.Job, error) {
	data := map[string]any{"worker_id": workerID}
	for k, v := range result {
		data[k] = v
	}
	job, err := c.store.SetStatus(ctx, store.StatusChange{
		JobID:          jobID,
		From:           []store.JobStatus{store.StatusRunning},
		To:             store.StatusDone,
		Owner:          workerID,
		ClearLease:     true,
		ReleaseDataset: true,
		EventType:      "completed",
		EventData:      data,
	})
	if err != nil {
		return nil, err
	}
	metrics.IncTransition(string(store.StatusDone))
	c.log.Info().Str("job_id", jobID).Str("worker_id", workerID).Msg("job completed")
	return job, nil
}

// Fail records a worker-reported failure. Transient failures within the
// attempt budget return the job to pending with a delayed retry; a failure
// reported while cancellation is pending (or with kind cancelled) finalizes
// the cancel; everything else is terminal.
func (c *Controller) Fail(ctx context.Context, jobID, workerID, msg, kind string) (*store.Job, error) {
	current, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if kind == FailCancelled || current.CancelRequested {
		job, err := c.store.SetStatus(ctx, store.StatusChange{
			JobID:          jobID,
			From:           []store.JobStatus{store.StatusRunning},
			To:             store.StatusCancelled,
			Owner:          workerID,
			ClearLease:     true,
			ReleaseDataset: true,
			EventType:      "cancelled",
			EventData:      map[string]any{"worker_id": workerID, "reason": "worker_ack"},
		})
		if err != nil {
			return nil, err
		}
		metrics.IncTransition(string(store.StatusCancelled))
		c.log.Info().Str("job_id", jobID).Msg("job cancelled by worker ack")
		return job, nil
	}

	if kind == FailTransient && current.Attempts < c.cfg.MaxAttempts {
		notBefore := time.Now().UTC().Add(c.retryDelay(current.Attempts))
		job, err := c.store.SetStatus(ctx, store.StatusChange{
			JobID:          jobID,
			From:           []store.JobStatus{store.StatusRunning},
			To:             store.StatusPending,
			Owner:          workerID,
			NotBefore:      notBefore,
			ReleaseDataset: true,
			ErrorMsg:       &msg,
			EventType:      "failed",
			EventData: map[string]any{
				"worker_id":       workerID,
				"error":           msg,
				"kind":            kind,
				"will_retry":      true,
				"next_attempt_at": notBefore.Format(time.RFC3339Nano),
			},
		})
		if err != nil {
			return nil, err
		}
		metrics.IncTransition(string(store.StatusPending))
		c.log.Warn().Str("job_id", jobID).Str("error", msg).Time("next_attempt_at", notBefore).
			Msg("transient failure, retry scheduled")
		return job, nil
	}

	job, err := c.store.SetStatus(ctx, store.StatusChange{
		JobID:          jobID,
		From:           []store.JobStatus{store.StatusRunning},
		To:             store.StatusFailed,
		Owner:          workerID,
		ClearLease:     true,
		ReleaseDataset: true,
		ErrorMsg:       &msg,
		EventType:      "failed",
		EventData:      map[string]any{"worker_id": workerID, "error": msg, "kind": kind},
	})
	if err != nil {
		return nil, err
	}
	metrics.IncTransition(string(store.StatusFailed))
	c.log.Warn().Str("job_id", jobID).Str("error", msg).Msg("job failed")
	return job, nil
}

// retryDelay computes the transient-failure backoff: base * 2^(attempts-1),
// capped.
func (c *Controller) retryDelay(attempts int64) time.Duration {
	d := c.cfg.RetryBackoffBase
	for i := int64(1); i < attempts; i++ {
		d *= 2
		if d >= c.cfg.RetryBackoffCap {
			return c.cfg.RetryBackoffCap
		}
	}
	if d > c.cfg.RetryBackoffCap {
		d = c.cfg.RetryBackoffCap
	}
	return d
}

// Cancel requests cancellation. Pending and paused jobs cancel immediately;
// running jobs get the cancel_requested flag and finish cooperatively (or
// forcefully at lease expiry). Cancelling a terminal job is a no-op that
// reports the current status.
func (c *Controller) Cancel(ctx context.Context, jobID string) (*store.Job, bool, error) {
	current, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if current.Status.Terminal() {
		return current, false, nil
	}

	if current.Status == store.StatusRunning {
		flag := true
		job, err := c.store.SetStatus(ctx, store.StatusChange{
			JobID:              jobID,
			From:               []store.JobStatus{store.StatusRunning},
			To:                 store.StatusRunning,
			SetCancelRequested: &flag,
			EventType:          "cancel_requested",
			EventData:          map[string]any{},
		})
		if err != nil {
			return nil, false, err
		}
		c.log.Info().Str("job_id", jobID).Msg("cancel requested")
		return job, true, nil
	}

	job, err := c.store.SetStatus(ctx, store.StatusChange{
		JobID:          jobID,
		From:           []store.JobStatus{store.StatusPending, store.StatusPaused},
		To:             store.StatusCancelled,
		ClearLease:     true,
		ReleaseDataset: true,
		EventType:      "cancelled",
		EventData:      map[string]any{"reason": "api_request"},
	})
	if err != nil {
		return nil, false, err
	}
	metrics.IncTransition(string(store.StatusCancelled))
	c.log.Info().Str("job_id", jobID).Msg("job cancelled")
	return job, true, nil
}

// Retry returns a failed or cancelled job to pending. The error and lease
// clear; attempts carry forward unchanged.
func (c *Controller) Retry(ctx context.Context, jobID string) (*store.Job, error) {
	flag := false
	job, err := c.store.SetStatus(ctx, store.StatusChange{
		JobID:              jobID,
		From:               []store.JobStatus{store.StatusFailed, store.StatusCancelled},
		To:                 store.StatusPending,
		ClearLease:         true,
		SetCancelRequested: &flag,
		EventType:          "retry_requested",
		EventData:          map[string]any{},
	})
	if err != nil {
		return nil, err
	}
	metrics.IncTransition(string(store.StatusPending))
	c.log.Info().Str("job_id", jobID).Int64("attempts", job.Attempts).Msg("job retry requested")
	return job, nil
}

// Pause suspends a running job. The lease is kept so the owning worker can
// observe the pause on its next heartbeat and idle without losing the job.
func (c *Controller) Pause(ctx context.Context, jobID string) (*store.Job, error) {
	job, err := c.store.SetStatus(ctx, store.StatusChange{
		JobID:     jobID,
		From:      []store.JobStatus{store.StatusRunning},
		To:        store.StatusPaused,
		EventType: "paused",
		EventData: map[string]any{},
	})
	if err != nil {
		return nil, err
	}
	metrics.IncTransition(string(store.StatusPaused))
	c.log.Info().Str("job_id", jobID).Msg("job paused")
	return job, nil
}

// Resume reactivates a paused job. When the original lease is still live the
// job returns to running under the same owner; otherwise it requeues as
// pending for a fresh claim.
func (c *Controller) Resume(ctx context.Context, jobID string) (*store.Job, error) {
	current, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	leaseLive := current.LeaseOwner.Valid && current.LeaseUntil.Valid &&
		current.LeaseUntil.Time.After(time.Now().UTC())

	ch := store.StatusChange{
		JobID:     jobID,
		From:      []store.JobStatus{store.StatusPaused},
		To:        store.StatusRunning,
		EventType: "resumed",
		EventData: map[string]any{},
	}
	if !leaseLive {
		ch.To = store.StatusPending
		ch.ClearLease = true
		ch.EventData["requeued"] = true
	}

	job, err := c.store.SetStatus(ctx, ch)
	if err != nil {
		return nil, err
	}
	metrics.IncTransition(string(ch.To))
	c.log.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("job resumed")
	return job, nil
}
