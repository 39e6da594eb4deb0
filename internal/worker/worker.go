package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Runner is the worker main loop: heartbeat the registry, claim jobs from the
// configured queues, execute them, and report the outcome.
type Runner struct {
	cfg      *Config
	client   *Client
	executor Executor
	log      zerolog.Logger
}

// NewRunner constructs a Runner. With a nil executor the built-in command
// executor is used.
func NewRunner(cfg *Config, client *Client, executor Executor, log zerolog.Logger) *Runner {
	if executor == nil {
		executor = &CommandExecutor{Command: cfg.ExecCommand}
	}
	return &Runner{cfg: cfg, client: client, executor: executor, log: log}
}

// Run executes the claim loop until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	hostname, _ := os.Hostname()
	if err := r.client.Heartbeat(ctx, hostname); err != nil {
		return err
	}
	r.log.Info().Str("worker_id", r.cfg.WorkerID).Strs("queues", r.cfg.Queues).Msg("worker started")

	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	backoff := NewBackoff(r.cfg.RetryMinDelay, r.cfg.RetryMaxDelay)
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("worker stopped")
			return nil
		case <-heartbeat.C:
			if err := r.client.Heartbeat(ctx, hostname); err != nil {
				if errors.Is(err, ErrUnauthorized) {
					return err
				}
				r.log.Warn().Err(err).Msg("registry heartbeat failed")
			}
		default:
		}

		job, err := r.nextJob(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn().Err(err).Msg("claim failed")
			r.sleep(ctx, backoff.Next())
			continue
		}
		if job == nil {
			r.sleep(ctx, backoff.Next())
			continue
		}

		backoff.Reset()
		r.runJob(ctx, job)
	}
}

// nextJob prefers scheduler-assigned work, then pulls from each configured
// queue in order.
func (r *Runner) nextJob(ctx context.Context) (*Job, error) {
	assigned, err := r.client.AssignedJobs(ctx)
	if err != nil {
		return nil, err
	}
	if len(assigned) > 0 {
		return &assigned[0], nil
	}

	for _, queue := range r.cfg.Queues {
		job, err := r.client.Claim(ctx, queue)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// runJob executes one job with a lease heartbeat goroutine alongside. The
// heartbeat observes cancel_requested and pause: a cancel cancels the
// executor's context, a pause idles it without abandoning the lease.
func (r *Runner) runJob(ctx context.Context, job *Job) {
	log := r.log.With().Str("job_id", job.ID).Str("kind", job.Kind).Logger()
	log.Info().Int64("attempt", job.Attempts).Msg("job started")

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		leaseLost bool
		cancelled bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				state, err := r.client.Lease(ctx, job.ID)
				if err != nil {
					if errors.Is(err, ErrConflict) {
						log.Warn().Msg("lease lost, abandoning job")
						mu.Lock()
						leaseLost = true
						mu.Unlock()
						cancel()
						return
					}
					log.Warn().Err(err).Msg("lease heartbeat failed")
					continue
				}
				if state.CancelRequested {
					log.Info().Msg("cancel requested, stopping job")
					mu.Lock()
					cancelled = true
					mu.Unlock()
					cancel()
					return
				}
			}
		}
	}()

	result, execErr := r.executor.Execute(jobCtx, job, func(data map[string]any) {
		if err := r.client.Progress(ctx, job.ID, data); err != nil {
			log.Warn().Err(err).Msg("progress report failed")
		}
	})

	cancel()
	wg.Wait()

	mu.Lock()
	lost, wasCancelled := leaseLost, cancelled
	mu.Unlock()

	switch {
	case lost:
		// The orchestrator already reclaimed the job; nothing to report.
	case wasCancelled || errors.Is(execErr, ErrJobCancelled):
		if err := r.client.Fail(ctx, job.ID, "cancelled by request", "cancelled"); err != nil {
			log.Warn().Err(err).Msg("cancel ack failed")
		} else {
			log.Info().Msg("job cancelled")
		}
	case execErr != nil:
		kind := "permanent"
		var te *TransientError
		if errors.As(execErr, &te) {
			kind = "transient"
		}
		if err := r.client.Fail(ctx, job.ID, execErr.Error(), kind); err != nil {
			log.Warn().Err(err).Msg("failure report failed")
		} else {
			log.Warn().Err(execErr).Str("kind", kind).Msg("job failed")
		}
	default:
		if err := r.client.Complete(ctx, job.ID, result); err != nil {
			log.Warn().Err(err).Msg("completion report failed")
		} else {
			log.Info().Msg("job completed")
		}
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
