package sweeper

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/garnizeh/trainflow/internal/config"
	"github.com/garnizeh/trainflow/internal/jobs"
	applog "github.com/garnizeh/trainflow/internal/log"
	"github.com/garnizeh/trainflow/internal/store"
)

func newTestSweeper(t *testing.T) (*Sweeper, *store.Store, *jobs.Controller) {
	t.Helper()
	cfg := &config.Config{
		LeaseDur:         50 * time.Millisecond,
		LockGrace:        10 * time.Millisecond,
		SweeperTick:      10 * time.Millisecond,
		MaxAttempts:      2,
		RetryBackoffBase: time.Second,
		RetryBackoffCap:  time.Minute,
		DefaultQueueCap:  10,
	}
	db, err := store.InitDB(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.CloseDB(db))
	})
	st := store.New(db)
	ctrl := jobs.NewController(st, cfg, applog.WithComponent("jobs"))
	return New(st, cfg, applog.WithComponent("sweeper")), st, ctrl
}

// runningJob submits and claims a job whose lease lapses almost immediately.
func runningJob(t *testing.T, ctrl *jobs.Controller, kind string) *store.Job {
	t.Helper()
	ctx := context.Background()
	job, err := ctrl.Submit(ctx, jobs.SubmitRequest{Kind: kind, Queue: "q"})
	require.NoError(t, err)
	claimed, err := ctrl.Claim(ctx, "q", "w1")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	return claimed
}

func TestTickReclaimsExpiredLease(t *testing.T) {
	sw, st, ctrl := newTestSweeper(t)
	ctx := context.Background()

	job := runningJob(t, ctrl, "train.x")
	time.Sleep(80 * time.Millisecond)

	require.NoError(t, sw.Tick(ctx))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, got.Status)
	require.False(t, got.LeaseOwner.Valid)

	// The reclaim is in the event log.
	events, err := st.ListJobEvents(ctx, job.ID)
	require.NoError(t, err)
	var sawExpiry bool
	for _, e := range events {
		if strings.Contains(string(e.Event), `"type":"lease_expired"`) {
			sawExpiry = true
		}
	}
	require.True(t, sawExpiry)
}

func TestTickFailsExhaustedJob(t *testing.T) {
	sw, st, ctrl := newTestSweeper(t)
	ctx := context.Background()

	job := runningJob(t, ctrl, "train.x")
	_, err := st.DB().ExecContext(ctx, `UPDATE jobs SET attempts = 2 WHERE id = ?`, job.ID)
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)

	require.NoError(t, sw.Tick(ctx))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
	require.Equal(t, "lease_exhausted", got.Error.String)
}

func TestTickCancelsRequestedJobOnExpiry(t *testing.T) {
	sw, st, ctrl := newTestSweeper(t)
	ctx := context.Background()

	job := runningJob(t, ctrl, "train.x")
	_, _, err := ctrl.Cancel(ctx, job.ID)
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)

	require.NoError(t, sw.Tick(ctx))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelled, got.Status)
}

func TestTickReleasesDatasetLockWithLease(t *testing.T) {
	sw, st, ctrl := newTestSweeper(t)
	ctx := context.Background()

	job, err := ctrl.Submit(ctx, jobs.SubmitRequest{
		Kind: "train.x", Queue: "q", Payload: []byte(`{"dataset_id":"ds-1"}`),
	})
	require.NoError(t, err)
	_, err = ctrl.Claim(ctx, "q", "w1")
	require.NoError(t, err)

	_, err = st.GetDatasetLock(ctx, "ds-1", time.Now().UTC())
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, sw.Tick(ctx))

	_, err = st.GetDatasetLock(ctx, "ds-1", time.Now().UTC())
	require.ErrorIs(t, err, store.ErrNotFound)
	_ = job
}
