package outbox

import (
	"math/rand"
	"time"
)

// Delivery retry backoff shape: base * 2^attempts, capped, with +/-20%
// jitter so retries from a burst of failures spread out.
const (
	backoffBase   = 5 * time.Second
	backoffCap    = 10 * time.Minute
	backoffJitter = 0.2
)

func retryBackoff(attempts int64) time.Duration {
	d := backoffBase
	for i := int64(0); i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
