package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffStaysWithinCap(t *testing.T) {
	b := newBackoff(50*time.Millisecond, 1*time.Second)
	for i := 0; i < 50; i++ {
		d := b.next()
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 1*time.Second)
	}
}

func TestBackoffResetRestartsFromBase(t *testing.T) {
	b := newBackoff(50*time.Millisecond, 15*time.Second)
	for i := 0; i < 10; i++ {
		b.next()
	}
	b.reset()
	// Immediately after reset, the ceiling is back to base (attempt 0).
	d := b.next()
	require.LessOrEqual(t, d, 50*time.Millisecond)
}

func TestBackoffGrowsTowardCap(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 200*time.Millisecond)
	var lastCeilingExceeded bool
	for i := 0; i < 10; i++ {
		if b.next() > 10*time.Millisecond {
			lastCeilingExceeded = true
		}
	}
	require.True(t, lastCeilingExceeded, "ceiling should eventually grow past the base")
}
