// ABOUTME: Jittered exponential backoff for agent reconnects
// ABOUTME: Each delay grows by Multiplier up to Max with +/-10% jitter

package fleetagent

import (
	"math/rand/v2"
	"time"
)

// Backoff produces reconnect delays. It is not safe for concurrent use.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	current time.Duration
	jitter  func() float64
}

// NewBackoff returns a backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	return &Backoff{Initial: initial, Max: max, Multiplier: multiplier, jitter: rand.Float64}
}

// Next returns the next delay.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	} else {
		b.current = time.Duration(float64(b.current) * b.Multiplier)
		if b.current > b.Max {
			b.current = b.Max
		}
	}

	r := 0.5
	if b.jitter != nil {
		r = b.jitter()
	}
	// r in [0,1) maps to [-10%, +10%)
	return b.current + time.Duration((r*0.2-0.1)*float64(b.current))
}

// Reset starts the sequence over after a successful connection.
func (b *Backoff) Reset() {
	b.current = 0
}
