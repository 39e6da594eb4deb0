package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func claimParams(queue, worker string, cap int) ClaimParams {
	return ClaimParams{
		Queue:     queue,
		WorkerID:  worker,
		LeaseDur:  time.Minute,
		LockGrace: 10 * time.Second,
		Cap:       cap,
	}
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := submitJob(t, s, "train.a", "q", 1, "")
	mid1 := submitJob(t, s, "train.b", "q", 5, "")
	mid2 := submitJob(t, s, "train.c", "q", 5, "")
	high := submitJob(t, s, "train.d", "q", 9, "")

	var got []string
	for i := 0; i < 4; i++ {
		j, err := s.ClaimNextJob(ctx, claimParams("q", "w1", 10))
		require.NoError(t, err)
		require.NotNil(t, j)
		require.Equal(t, StatusRunning, j.Status)
		got = append(got, j.ID)
	}
	require.Equal(t, []string{high.ID, mid1.ID, mid2.ID, low.ID}, got)

	// Nothing left.
	j, err := s.ClaimNextJob(ctx, claimParams("q", "w1", 10))
	require.NoError(t, err)
	require.Nil(t, j)
}

func TestClaimRespectsQueueCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	submitJob(t, s, "train.a", "q", 0, "")
	submitJob(t, s, "train.b", "q", 0, "")

	j1, err := s.ClaimNextJob(ctx, claimParams("q", "w1", 1))
	require.NoError(t, err)
	require.NotNil(t, j1)

	// Cap 1 and one running: no second claim.
	j2, err := s.ClaimNextJob(ctx, claimParams("q", "w2", 1))
	require.NoError(t, err)
	require.Nil(t, j2)

	// Cap 0 admits nothing even with pending work.
	j3, err := s.ClaimNextJob(ctx, claimParams("q", "w2", 0))
	require.NoError(t, err)
	require.Nil(t, j3)
}

func TestClaimSkipsLockedDataset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := submitJob(t, s, "train.a", "q", 5, `{"dataset_id":"ds-1"}`)
	b := submitJob(t, s, "train.b", "q", 1, `{"dataset_id":"ds-1"}`)
	c := submitJob(t, s, "train.c", "q", 0, `{"dataset_id":"ds-2"}`)

	j1, err := s.ClaimNextJob(ctx, claimParams("q", "w1", 10))
	require.NoError(t, err)
	require.Equal(t, a.ID, j1.ID)

	// b shares ds-1 with the running job, so the scan falls through to c.
	j2, err := s.ClaimNextJob(ctx, claimParams("q", "w2", 10))
	require.NoError(t, err)
	require.Equal(t, c.ID, j2.ID)

	j3, err := s.ClaimNextJob(ctx, claimParams("q", "w3", 10))
	require.NoError(t, err)
	require.Nil(t, j3)

	// Completing a frees ds-1 for b.
	_, err = s.SetStatus(ctx, StatusChange{
		JobID: a.ID, From: []JobStatus{StatusRunning}, To: StatusDone,
		Owner: "w1", ClearLease: true, ReleaseDataset: true,
		EventType: "completed", EventData: map[string]any{},
	})
	require.NoError(t, err)

	j4, err := s.ClaimNextJob(ctx, claimParams("q", "w3", 10))
	require.NoError(t, err)
	require.Equal(t, b.ID, j4.ID)
}

func TestClaimHonorsNotBeforeTimer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := submitJob(t, s, "train.a", "q", 0, "")
	j, err := s.ClaimNextJob(ctx, claimParams("q", "w1", 10))
	require.NoError(t, err)
	require.Equal(t, job.ID, j.ID)

	// Transient failure schedules a delayed retry.
	notBefore := time.Now().UTC().Add(time.Hour)
	msg := "boom"
	_, err = s.SetStatus(ctx, StatusChange{
		JobID: job.ID, From: []JobStatus{StatusRunning}, To: StatusPending,
		Owner: "w1", NotBefore: notBefore, ReleaseDataset: true, ErrorMsg: &msg,
		EventType: "failed", EventData: map[string]any{},
	})
	require.NoError(t, err)

	// Not yet due.
	j, err = s.ClaimNextJob(ctx, claimParams("q", "w1", 10))
	require.NoError(t, err)
	require.Nil(t, j)

	// Due once the clock passes the timer.
	p := claimParams("q", "w1", 10)
	p.Now = notBefore.Add(time.Second)
	j, err = s.ClaimNextJob(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, job.ID, j.ID)
	require.Equal(t, int64(2), j.Attempts)
}

func TestHeartbeatLeaseOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := submitJob(t, s, "train.a", "q", 0, "")
	_, err := s.ClaimNextJob(ctx, claimParams("q", "w1", 10))
	require.NoError(t, err)

	renewed, err := s.HeartbeatLease(ctx, job.ID, "w1", time.Minute, 10*time.Second)
	require.NoError(t, err)
	require.True(t, renewed.LeaseUntil.Valid)

	_, err = s.HeartbeatLease(ctx, job.ID, "w2", time.Minute, 10*time.Second)
	require.ErrorIs(t, err, ErrConflict)

	_, err = s.HeartbeatLease(ctx, "missing", "w1", time.Minute, 10*time.Second)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatusConflictOnWrongState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := submitJob(t, s, "train.a", "q", 0, "")

	// Completing a pending job is illegal.
	_, err := s.SetStatus(ctx, StatusChange{
		JobID: job.ID, From: []JobStatus{StatusRunning}, To: StatusDone,
		EventType: "completed", EventData: map[string]any{},
	})
	require.ErrorIs(t, err, ErrConflict)

	// The rejected transition left no trace.
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	events, err := s.ListJobEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestExpireLeasesOutcomes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three running jobs with leases that will be expired.
	retry := submitJob(t, s, "train.a", "q", 0, "")
	exhausted := submitJob(t, s, "train.b", "q2", 0, "")
	cancelling := submitJob(t, s, "train.c", "q3", 0, "")

	for _, tc := range []struct {
		id    string
		queue string
	}{{retry.ID, "q"}, {exhausted.ID, "q2"}, {cancelling.ID, "q3"}} {
		j, err := s.ClaimNextJob(ctx, claimParams(tc.queue, "w1", 10))
		require.NoError(t, err)
		require.Equal(t, tc.id, j.ID)
	}

	// Push the exhausted job to the attempt limit.
	_, err := s.DB().ExecContext(ctx, `UPDATE jobs SET attempts = 3 WHERE id = ?`, exhausted.ID)
	require.NoError(t, err)

	flag := true
	_, err = s.SetStatus(ctx, StatusChange{
		JobID: cancelling.ID, From: []JobStatus{StatusRunning}, To: StatusRunning,
		SetCancelRequested: &flag, EventType: "cancel_requested", EventData: map[string]any{},
	})
	require.NoError(t, err)

	expired, err := s.ExpireLeases(ctx, time.Now().UTC().Add(2*time.Minute), 3)
	require.NoError(t, err)
	require.Len(t, expired, 3)

	byID := map[string]JobStatus{}
	for _, e := range expired {
		byID[e.JobID] = e.Status
	}
	require.Equal(t, StatusPending, byID[retry.ID])
	require.Equal(t, StatusFailed, byID[exhausted.ID])
	require.Equal(t, StatusCancelled, byID[cancelling.ID])

	got, err := s.GetJob(ctx, exhausted.ID)
	require.NoError(t, err)
	require.Equal(t, "lease_exhausted", got.Error.String)

	got, err = s.GetJob(ctx, retry.ID)
	require.NoError(t, err)
	require.False(t, got.LeaseOwner.Valid)
	require.False(t, got.LeaseUntil.Valid)
}

func TestListJobsByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := submitJob(t, s, "train.a", "q", 0, "")
	submitJob(t, s, "train.b", "q2", 0, "")

	_, err := s.ClaimNextJob(ctx, claimParams("q", "w1", 10))
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, claimParams("q2", "w2", 10))
	require.NoError(t, err)

	mine, err := s.ListJobsByOwner(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, a.ID, mine[0].ID)
}

func TestClaimScansPastLockedBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Another job holds ds-1, so every job that needs it is ineligible.
	held, err := s.AcquireDatasetLock(ctx, "ds-1", "holder-job", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, held)

	// More blocked jobs than one scan batch, all ahead of the eligible job
	// in priority order.
	for i := 0; i < candidateScanLimit+3; i++ {
		submitJob(t, s, "train.blocked", "q", 5, `{"dataset_id":"ds-1"}`)
	}
	free := submitJob(t, s, "train.free", "q", 0, `{"dataset_id":"ds-2"}`)

	j, err := s.ClaimNextJob(ctx, claimParams("q", "w1", 10))
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, free.ID, j.ID)

	// Everything left is blocked on ds-1.
	j, err = s.ClaimNextJob(ctx, claimParams("q", "w2", 10))
	require.NoError(t, err)
	require.Nil(t, j)
}
