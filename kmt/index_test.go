package kmt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wowserhq/cascore/casctypes"
)

func testEKey(b byte) casctypes.EKey {
	var k casctypes.EKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestAddEntryThenLookupRoundTrip(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "test.idx"))
	require.NoError(t, err)
	defer idx.Close()

	ekey := testEKey(0x11)
	locator := casctypes.ArchiveLocator{ArchiveID: 3, ArchiveOffset: 1024}
	require.NoError(t, idx.AddEntry(ekey, locator, 2048))

	entry, ok := idx.Lookup(ekey.Truncated())
	require.True(t, ok)
	require.Equal(t, locator, entry.Locator)
	require.Equal(t, uint32(2048), entry.Size)
}

func TestNewestUpdateWinsOverOlder(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "test.idx"))
	require.NoError(t, err)
	defer idx.Close()

	ekey := testEKey(0x22)
	require.NoError(t, idx.AddEntry(ekey, casctypes.ArchiveLocator{ArchiveID: 1, ArchiveOffset: 10}, 100))
	require.NoError(t, idx.AddEntry(ekey, casctypes.ArchiveLocator{ArchiveID: 2, ArchiveOffset: 20}, 200))

	entry, ok := idx.Lookup(ekey.Truncated())
	require.True(t, ok)
	require.Equal(t, uint16(2), entry.Locator.ArchiveID)
	require.Equal(t, uint32(200), entry.Size)
}

func TestRemoveEntryTombstonesLookup(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "test.idx"))
	require.NoError(t, err)
	defer idx.Close()

	ekey := testEKey(0x33)
	require.NoError(t, idx.AddEntry(ekey, casctypes.ArchiveLocator{ArchiveID: 1, ArchiveOffset: 10}, 100))
	require.NoError(t, idx.RemoveEntry(ekey))

	_, ok := idx.Lookup(ekey.Truncated())
	require.False(t, ok)
}

func TestFlushMergesUpdatesIntoSortedSectionAndClearsLog(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "test.idx"))
	require.NoError(t, err)
	defer idx.Close()

	keep := testEKey(0x44)
	gone := testEKey(0x55)
	require.NoError(t, idx.AddEntry(keep, casctypes.ArchiveLocator{ArchiveID: 1, ArchiveOffset: 10}, 100))
	require.NoError(t, idx.AddEntry(gone, casctypes.ArchiveLocator{ArchiveID: 1, ArchiveOffset: 20}, 200))
	require.NoError(t, idx.RemoveEntry(gone))

	require.NoError(t, idx.FlushUpdatesForBucket(0))
	require.Empty(t, idx.pages)
	require.Len(t, idx.sorted, 1)

	entry, ok := idx.Lookup(keep.Truncated())
	require.True(t, ok)
	require.Equal(t, uint32(100), entry.Size)

	_, ok = idx.Lookup(gone.Truncated())
	require.False(t, ok)
}

func TestReopenAfterFlushPreservesSortedSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.idx")
	idx, err := Open(path)
	require.NoError(t, err)

	ekey := testEKey(0x66)
	require.NoError(t, idx.AddEntry(ekey, casctypes.ArchiveLocator{ArchiveID: 4, ArchiveOffset: 99}, 50))
	require.NoError(t, idx.FlushUpdatesForBucket(0))
	require.NoError(t, idx.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	entry, ok := reopened.Lookup(ekey.Truncated())
	require.True(t, ok)
	require.Equal(t, uint32(50), entry.Size)
}

func TestReopenAfterAppendWithoutFlushPreservesUpdateLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.idx")
	idx, err := Open(path)
	require.NoError(t, err)

	ekey := testEKey(0x77)
	require.NoError(t, idx.AddEntry(ekey, casctypes.ArchiveLocator{ArchiveID: 5, ArchiveOffset: 1}, 10))
	require.NoError(t, idx.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	entry, ok := reopened.Lookup(ekey.Truncated())
	require.True(t, ok)
	require.Equal(t, uint32(10), entry.Size)
}

func TestUpdateRecordHashGuardValidatesAndDetectsCorruption(t *testing.T) {
	r := NewUpdateRecord(testEKey(0x88).Truncated(), casctypes.ArchiveLocator{ArchiveID: 1, ArchiveOffset: 1}, 1, StatusNormal)
	require.True(t, r.ValidateHashGuard())

	r.Size = 999
	require.False(t, r.ValidateHashGuard())
}

func TestUpdateEntryStatusPreservesLocatorAndSize(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "test.idx"))
	require.NoError(t, err)
	defer idx.Close()

	ekey := testEKey(0x99)
	locator := casctypes.ArchiveLocator{ArchiveID: 7, ArchiveOffset: 321}
	require.NoError(t, idx.AddEntry(ekey, locator, 555))
	require.NoError(t, idx.UpdateEntryStatus(ekey, StatusDataNonResident))

	idx.mu.RLock()
	last := idx.pages[len(idx.pages)-1]
	rec := last.entries[last.used-1]
	idx.mu.RUnlock()

	require.Equal(t, StatusDataNonResident, rec.Status)
	require.Equal(t, locator, rec.Locator)
	require.Equal(t, uint32(555), rec.Size)
}
