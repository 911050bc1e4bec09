// ABOUTME: Tests for reconnect backoff growth, cap, jitter bounds, and reset
// ABOUTME: Jitter is pinned so the sequence is deterministic

package fleetagent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second, 2)
	b.jitter = func() float64 { return 0.5 }

	var got []time.Duration
	for range 5 {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := NewBackoff(10*time.Second, time.Minute, 2)

	b.jitter = func() float64 { return 0 }
	assert.Equal(t, 9*time.Second, b.Next())

	b.Reset()
	b.jitter = func() float64 { return 0.999999 }
	d := b.Next()
	assert.Greater(t, d, 10*time.Second)
	assert.LessOrEqual(t, d, 11*time.Second)
}
