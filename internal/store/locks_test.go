package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDatasetLockExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lease := time.Now().UTC().Add(time.Minute)

	ok, err := s.AcquireDatasetLock(ctx, "ds-1", "job-a", lease)
	require.NoError(t, err)
	require.True(t, ok)

	// Another job cannot take the live lock.
	ok, err = s.AcquireDatasetLock(ctx, "ds-1", "job-b", lease)
	require.NoError(t, err)
	require.False(t, ok)

	// The holder re-acquires (lease renewal path).
	ok, err = s.AcquireDatasetLock(ctx, "ds-1", "job-a", lease.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	lock, err := s.GetDatasetLock(ctx, "ds-1", time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, "job-a", lock.JobID)
}

func TestDatasetLockExpiryAllowsTakeover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	ok, err := s.AcquireDatasetLock(ctx, "ds-1", "job-a", past)
	require.NoError(t, err)
	require.True(t, ok)

	// Expired lock is logically absent.
	_, err = s.GetDatasetLock(ctx, "ds-1", time.Now().UTC())
	require.ErrorIs(t, err, ErrNotFound)

	ok, err = s.AcquireDatasetLock(ctx, "ds-1", "job-b", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpireDatasetLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := s.AcquireDatasetLock(ctx, "ds-old", "job-a", now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.AcquireDatasetLock(ctx, "ds-live", "job-b", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ExpireDatasetLocks(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	count, err := s.CountLockedDatasets(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestReleaseDatasetLockOnlyForOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lease := time.Now().UTC().Add(time.Minute)

	ok, err := s.AcquireDatasetLock(ctx, "ds-1", "job-a", lease)
	require.NoError(t, err)
	require.True(t, ok)

	// Wrong job: no-op.
	require.NoError(t, s.ReleaseDatasetLock(ctx, "ds-1", "job-b"))
	_, err = s.GetDatasetLock(ctx, "ds-1", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.ReleaseDatasetLock(ctx, "ds-1", "job-a"))
	_, err = s.GetDatasetLock(ctx, "ds-1", time.Now().UTC())
	require.ErrorIs(t, err, ErrNotFound)
}
