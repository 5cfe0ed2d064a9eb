package infra

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff yields exponentially growing, jittered waits between reconnect or
// retry attempts. It is safe for concurrent use
type Backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	current    time.Duration
	attempts   int
	mu         sync.Mutex
}

func NewBackoff(minDelay, maxDelay time.Duration, mult float64) *Backoff {
	if mult < 1 {
		mult = 1
	}
	return &Backoff{
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		multiplier: mult,
		current:    minDelay,
	}
}

// Next returns the wait before the next attempt, within +/-20% of the current
// step and never outside [minDelay, maxDelay]
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(b.current))
	wait := min(max(b.current+jitter, b.minDelay), b.maxDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)
	return wait
}

// Reset goes back to the shortest wait after a successful attempt
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

// Attempts counts Next calls since the last Reset
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
