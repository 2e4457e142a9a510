package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStartsWithOneThawedSegment(t *testing.T) {
	a := New()
	require.Equal(t, 1, a.SegmentCount())
	require.Equal(t, Thawed, a.State(a.ThawedID()))
}

func TestFreezeAdvancesThawedSegment(t *testing.T) {
	a := New()
	first := a.ThawedID()
	next, err := a.Freeze()
	require.NoError(t, err)
	require.NotEqual(t, first, next)
	require.Equal(t, Frozen, a.State(first))
	require.Equal(t, Thawed, a.State(next))
	require.Equal(t, 2, a.SegmentCount())
}

func TestLoadExistingMarksHighestThawed(t *testing.T) {
	a := LoadExisting([]uint16{0, 1, 2})
	require.Equal(t, uint16(2), a.ThawedID())
	require.Equal(t, Thawed, a.State(2))
	require.Equal(t, Frozen, a.State(0))
	require.Equal(t, Frozen, a.State(1))
}

func TestBucketWriteLockStripesAcrossPool(t *testing.T) {
	a := New()
	l1 := a.BucketWriteLock(0)
	l2 := a.BucketWriteLock(numBucketLocks)
	require.Same(t, l1, l2)
}

func TestFreezeRespectsSegmentLimit(t *testing.T) {
	a := New()
	for i := 0; i < MaxSegments-1; i++ {
		_, err := a.Freeze()
		require.NoError(t, err)
	}
	_, err := a.Freeze()
	require.Error(t, err)
}
