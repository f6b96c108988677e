package assembler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDetector() *loopDetector {
	return newLoopDetector(30*time.Second, 10, 5*time.Minute, 500, 50)
}

func TestDetectorTripsOnTenIdenticalOffsets(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 9; i++ {
		tripped := d.observe("C2", "UPDATE", 42, now.Add(time.Duration(i)*time.Second))
		require.False(t, tripped, "observation %d must not trip", i+1)
	}

	assert.True(t, d.observe("C2", "UPDATE", 42, now.Add(9*time.Second)))
	assert.True(t, d.isTripped())
}

func TestDetectorDistinctOffsetsNeverTrip(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	// Normal reprocessing: the same identity advances through offsets.
	for i := 0; i < 40; i++ {
		tripped := d.observe("C2", "UPDATE", int64(100+i), now.Add(time.Duration(i)*time.Second))
		require.False(t, tripped)
	}
	assert.False(t, d.isTripped())
}

func TestDetectorOffsetChangeResetsCount(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		require.False(t, d.observe("C2", "UPDATE", 42, now))
	}
	// A different offset arrives: the streak is broken.
	require.False(t, d.observe("C2", "UPDATE", 43, now))

	// The old offset must now start over from one.
	for i := 0; i < 9; i++ {
		require.False(t, d.observe("C2", "UPDATE", 42, now))
	}
	assert.True(t, d.observe("C2", "UPDATE", 42, now))
}

func TestDetectorWindowExpiryResetsCount(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 9; i++ {
		require.False(t, d.observe("C2", "UPDATE", 42, now))
	}
	// The next occurrence lands outside the window, so no trip.
	require.False(t, d.observe("C2", "UPDATE", 42, now.Add(31*time.Second)))
	assert.False(t, d.isTripped())
}

func TestDetectorTracksIdentitiesIndependently(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 9; i++ {
		require.False(t, d.observe("C2", "UPDATE", 42, now))
		require.False(t, d.observe("C2", "DELETE", 42, now))
		require.False(t, d.observe("C3", "UPDATE", 42, now))
	}
	assert.Equal(t, 3, d.size())
	assert.False(t, d.isTripped())
}

func TestDetectorAutoResetConditions(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	trip := func() *loopDetector {
		d := newTestDetector()
		for i := 0; i < 10; i++ {
			d.observe("C2", "UPDATE", 42, now)
		}
		require.True(t, d.isTripped())
		return d
	}

	t.Run("too early", func(t *testing.T) {
		d := trip()
		assert.False(t, d.canReset(now.Add(4*time.Minute), 10))
	})

	t.Run("too many buffers", func(t *testing.T) {
		d := trip()
		assert.False(t, d.canReset(now.Add(6*time.Minute), 500))
	})

	t.Run("quiescent", func(t *testing.T) {
		d := trip()
		assert.True(t, d.canReset(now.Add(6*time.Minute), 10))

		d.reset()
		assert.False(t, d.isTripped())
		assert.Zero(t, d.size())
	})

	t.Run("not tripped", func(t *testing.T) {
		d := newTestDetector()
		assert.False(t, d.canReset(now, 0))
	})
}

func TestDetectorPruneDropsStaleEntries(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	d.observe("C1", "INSERT", 1, now)
	d.observe("C2", "INSERT", 2, now.Add(25*time.Second))
	require.Equal(t, 2, d.size())

	d.prune(now.Add(40 * time.Second))
	assert.Equal(t, 1, d.size())
}
