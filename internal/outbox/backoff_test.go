package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryBackoffGrowsWithinJitterBounds(t *testing.T) {
	cases := []struct {
		attempts int64
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			d := retryBackoff(tc.attempts)
			low := time.Duration(float64(tc.want) * (1 - backoffJitter))
			high := time.Duration(float64(tc.want) * (1 + backoffJitter))
			require.GreaterOrEqual(t, d, low, "attempts=%d", tc.attempts)
			require.LessOrEqual(t, d, high, "attempts=%d", tc.attempts)
		}
	}
}

func TestRetryBackoffCaps(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := retryBackoff(30)
		require.LessOrEqual(t, d, time.Duration(float64(backoffCap)*(1+backoffJitter)))
		require.GreaterOrEqual(t, d, time.Duration(float64(backoffCap)*(1-backoffJitter)))
	}
}
