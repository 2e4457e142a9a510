package archive

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndReadContentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr, err := OpenAll(dir, Options{MaxArchiveSize: 1 << 20})
	require.NoError(t, err)
	defer mgr.Close()

	plaintext := []byte("archive roundtrip content")
	res, err := mgr.WriteContent(plaintext)
	require.NoError(t, err)
	require.NoError(t, mgr.Sync())

	got, err := mgr.ReadContent(res.ArchiveID, res.Offset, res.TotalSize)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestArchiveRotatesWhenFull(t *testing.T) {
	dir := t.TempDir()
	mgr, err := OpenAll(dir, Options{MaxArchiveSize: 200})
	require.NoError(t, err)
	defer mgr.Close()

	var lastID uint16
	for i := 0; i < 10; i++ {
		res, err := mgr.WriteContent([]byte("0123456789012345678901234567890123456789"))
		require.NoError(t, err)
		lastID = res.ArchiveID
	}
	require.NoError(t, mgr.Sync())

	stats := mgr.Stats()
	require.Greater(t, stats.ArchiveCount, 1)
	require.GreaterOrEqual(t, int(lastID), 1)
}

func TestReadRawTruncated(t *testing.T) {
	dir := t.TempDir()
	mgr, err := OpenAll(dir, Options{})
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.WriteContent([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, mgr.Sync())

	_, err = mgr.ReadRaw(0, 0, 1<<20)
	require.Error(t, err)
}

func TestOpenAllReopensExistingArchives(t *testing.T) {
	dir := t.TempDir()
	mgr, err := OpenAll(dir, Options{MaxArchiveSize: 1 << 20})
	require.NoError(t, err)
	res, err := mgr.WriteContent([]byte("persisted content"))
	require.NoError(t, err)
	require.NoError(t, mgr.Close())

	mgr2, err := OpenAll(dir, Options{MaxArchiveSize: 1 << 20})
	require.NoError(t, err)
	defer mgr2.Close()

	got, err := mgr2.ReadContent(res.ArchiveID, res.Offset, res.TotalSize)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted content"), got)
}
