// Package outbox delivers job events to webhook subscribers. Rows are
// enqueued transactionally with the state change that produced them; the
// dispatcher claims due rows under a time-bounded lock, POSTs the envelope to
// every configured URL, and settles or reschedules the row. Delivery is
// at-least-once: subscribers dedupe on the envelope id.
package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/garnizeh/trainflow/internal/config"
	"github.com/garnizeh/trainflow/internal/metrics"
	"github.com/garnizeh/trainflow/internal/store"
)

// errorBodyLimit bounds how much of a subscriber's error response is kept in
// last_error.
const errorBodyLimit = 256

// Dispatcher runs the webhook delivery workers.
type Dispatcher struct {
	store  *store.Store
	cfg    *config.Config
	client *http.Client
	log    zerolog.Logger
}

// New constructs a Dispatcher. The HTTP client enforces the per-request
// delivery timeout.
func New(st *store.Store, cfg *config.Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.OutboxTimeout},
		log:    log,
	}
}

// Run starts the delivery workers and blocks until ctx is cancelled and all
// workers drain. With no subscriber URLs configured the dispatcher idles and
// rows accumulate as pending.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.cfg.WebhookURLs) == 0 {
		d.log.Info().Msg("no webhook subscribers configured, outbox delivery disabled")
		<-ctx.Done()
		return
	}

	d.log.Info().Int("workers", d.cfg.OutboxWorkers).Strs("urls", d.cfg.WebhookURLs).
		Msg("outbox dispatcher started")

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.OutboxWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, fmt.Sprintf("outbox-%d", id))
		}(i)
	}
	wg.Wait()
	d.log.Info().Msg("outbox dispatcher stopped")
}

// worker claims and delivers batches until ctx is cancelled. An empty claim
// backs off for a second to avoid spinning on an idle table.
func (d *Dispatcher) worker(ctx context.Context, lockerID string) {
	idle := time.NewTimer(0)
	defer idle.Stop()
	<-idle.C

	for {
		rows, err := d.store.OutboxClaimBatch(ctx, lockerID, d.cfg.OutboxBatchSize, d.cfg.OutboxLockDur, time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error().Err(err).Str("locker", lockerID).Msg("outbox claim failed")
		}

		for _, row := range rows {
			d.deliver(ctx, row)
			if ctx.Err() != nil {
				return
			}
		}

		if len(rows) == 0 {
			idle.Reset(time.Second)
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
		}
	}
}

// deliver attempts one claimed row against every subscriber and settles it.
func (d *Dispatcher) deliver(ctx context.Context, row *store.OutboxRow) {
	var (
		delivered int
		transient bool
		lastErr   string
	)
	for _, url := range d.cfg.WebhookURLs {
		if err := d.post(ctx, url, row); err != nil {
			lastErr = err.Error()
			if !isPermanent(err) {
				transient = true
			}
			continue
		}
		delivered++
	}

	now := time.Now().UTC()
	switch {
	case delivered == len(d.cfg.WebhookURLs):
		if err := d.store.OutboxMarkDelivered(ctx, row.ID, now); err != nil {
			d.log.Error().Err(err).Str("outbox_id", row.ID).Msg("mark delivered failed")
			return
		}
		metrics.IncDelivery("delivered")
		d.log.Debug().Str("outbox_id", row.ID).Str("job_id", row.JobID).Msg("webhook delivered")

	case !transient || row.Attempts+1 >= d.cfg.MaxOutboxAttempts:
		if err := d.store.OutboxReschedule(ctx, row.ID, lastErr, now, true); err != nil {
			d.log.Error().Err(err).Str("outbox_id", row.ID).Msg("settle failed row failed")
			return
		}
		metrics.IncDelivery("failed")
		d.log.Error().Str("outbox_id", row.ID).Str("job_id", row.JobID).
			Int64("attempts", row.Attempts+1).Str("error", lastErr).
			Msg("webhook delivery failed permanently")

	default:
		next := now.Add(retryBackoff(row.Attempts))
		if err := d.store.OutboxReschedule(ctx, row.ID, lastErr, next, false); err != nil {
			d.log.Error().Err(err).Str("outbox_id", row.ID).Msg("reschedule failed")
			return
		}
		metrics.IncDelivery("retried")
		d.log.Warn().Str("outbox_id", row.ID).Str("job_id", row.JobID).
			Time("next_attempt_at", next).Str("error", lastErr).
			Msg("webhook delivery failed, retry scheduled")
	}
}

// deliveryError is a classified delivery failure.
type deliveryError struct {
	msg       string
	permanent bool
}

func (e *deliveryError) Error() string { return e.msg }

func isPermanent(err error) bool {
	if de, ok := err.(*deliveryError); ok {
		return de.permanent
	}
	return false
}

// post sends one row to one subscriber. The signature covers
// "<timestamp>.<body>" so subscribers can verify both integrity and
// freshness.
func (d *Dispatcher) post(ctx context.Context, url string, row *store.OutboxRow) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(row.Event))
	if err != nil {
		return &deliveryError{msg: fmt.Sprintf("build request: %v", err), permanent: true}
	}

	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", row.ID)
	req.Header.Set("X-Timestamp", ts)
	if d.cfg.WebhookSecret != "" {
		req.Header.Set("X-Signature", sign(d.cfg.WebhookSecret, ts, row.Event))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &deliveryError{msg: fmt.Sprintf("post %s: %v", url, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	msg := fmt.Sprintf("%s returned %d: %s", url, resp.StatusCode, bytes.TrimSpace(body))

	// 4xx means the subscriber rejected the payload itself; retrying the
	// same bytes cannot help. 408 and 429 are the transient exceptions.
	permanent := resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests
	return &deliveryError{msg: msg, permanent: permanent}
}

// sign computes the hex HMAC-SHA256 of "<ts>.<body>".
func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
