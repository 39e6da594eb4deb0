package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Timestamps are compared lexicographically in SQL, so the encoding must be
// fixed-width and UTC for string order to match time order.
func TestTimeEncodingPreservesOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []time.Time{
		base,
		base.Add(5 * time.Nanosecond),
		base.Add(200 * time.Millisecond),
		base.Add(250 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Hour),
	}
	for i := 1; i < len(cases); i++ {
		a, b := fmtTime(cases[i-1]), fmtTime(cases[i])
		require.Less(t, a, b)
		require.Len(t, a, len(b))
	}
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.FixedZone("X", 3600))
	out, err := parseTime(fmtTime(in))
	require.NoError(t, err)
	require.True(t, in.Equal(out))
	require.Equal(t, time.UTC, out.Location())
}

// The timestamp columns are declared TEXT so the driver must hand back the
// exact stored string. A fraction with trailing zeros would be mangled by
// any driver-side time conversion (RFC3339Nano trims them), so round-trip it
// through a real row.
func TestTimeSurvivesDatabaseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := fmtTime(time.Date(2026, 3, 1, 12, 0, 0, 123456700, time.UTC))
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO jobs (id, kind, queue, priority, payload, status, attempts, cancel_requested, lease_until, created_at, updated_at)
		 VALUES ('j-ts', 'train.a', 'q', 0, '{}', 'pending', 0, 0, ?, ?, ?)`,
		ts, ts, ts)
	require.NoError(t, err)

	job, err := s.GetJob(ctx, "j-ts")
	require.NoError(t, err)
	require.Equal(t, 123456700, job.CreatedAt.Nanosecond())
	require.True(t, job.LeaseUntil.Valid)
	require.Equal(t, 123456700, job.LeaseUntil.Time.Nanosecond())
}
