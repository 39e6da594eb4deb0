package worker

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Backoff paces the idle claim loop. Every miss doubles the wait up to
// maxDelay; a hit resets it to minDelay. Draws carry ±25% jitter so a fleet
// of workers does not poll the orchestrator in lockstep.
type Backoff struct {
	minDelay time.Duration
	maxDelay time.Duration
	current  time.Duration
}

// NewBackoff creates a Backoff with provided min and max delays.
func NewBackoff(minDelay, maxDelay time.Duration) *Backoff {
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	return &Backoff{minDelay: minDelay, maxDelay: maxDelay, current: minDelay}
}

// Next returns a jittered draw of the current delay and doubles it for the
// following miss.
func (b *Backoff) Next() time.Duration {
	d := time.Duration(float64(b.current) * (0.75 + 0.5*randFrac()))

	b.current *= 2
	if b.current > b.maxDelay {
		b.current = b.maxDelay
	}
	return d
}

// Reset sets backoff to its minimum delay.
func (b *Backoff) Reset() {
	b.current = b.minDelay
}

// randFrac returns a uniform value in [0, 1). The 53-bit truncation keeps
// the conversion to float64 exact.
func randFrac() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / float64(1<<53)
}
