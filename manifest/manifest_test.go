package manifest

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildDownloadFixture(t *testing.T, version uint8) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("DL")
	buf.WriteByte(version)
	buf.WriteByte(16) // key length
	buf.WriteByte(4)  // checksum size
	buf.WriteByte(1)  // has checksum

	entryCount := uint32(3)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, entryCount))
	tagCount := uint16(1)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, tagCount))

	if version >= 2 {
		buf.WriteByte(0) // flag size
	}
	if version >= 3 {
		buf.WriteByte(0) // base priority
	}

	writeEntry := func(priority int8, size uint64, checksum uint32) {
		var ekey [16]byte
		ekey[0] = byte(priority) + 1
		buf.Write(ekey[:])
		buf.WriteByte(byte(size >> 32))
		buf.WriteByte(byte(size >> 24))
		buf.WriteByte(byte(size >> 16))
		buf.WriteByte(byte(size >> 8))
		buf.WriteByte(byte(size))
		buf.WriteByte(byte(priority))
		require.NoError(t, binary.Write(&buf, binary.BigEndian, checksum))
	}

	writeTags := func() {
		buf.WriteString("Windows")
		buf.WriteByte(0)
		require.NoError(t, binary.Write(&buf, binary.BigEndian, uint16(1)))
		buf.WriteByte(0xE0) // bits for entries 0,1,2 set (MSB first)
	}

	if version == 1 {
		writeEntry(-1, 100, 0xAAAAAAAA)
		writeEntry(0, 200, 0xBBBBBBBB)
		writeEntry(4, 300, 0xCCCCCCCC)
		writeTags()
	} else {
		writeTags()
		writeEntry(-1, 100, 0xAAAAAAAA)
		writeEntry(0, 200, 0xBBBBBBBB)
		writeEntry(4, 300, 0xCCCCCCCC)
	}

	return buf.Bytes()
}

func TestParseDownloadManifestV1Layout(t *testing.T) {
	data := buildDownloadFixture(t, 1)
	m, err := ParseDownloadManifest(data)
	require.NoError(t, err)
	require.Len(t, m.Entries, 3)
	require.Len(t, m.Tags, 1)
	require.Equal(t, "Windows", m.Tags[0].Name)
	require.EqualValues(t, 100, m.Entries[0].FileSize)
	require.True(t, m.Entries[0].HasChecksum)
}

func TestParseDownloadManifestV2Layout(t *testing.T) {
	data := buildDownloadFixture(t, 2)
	m, err := ParseDownloadManifest(data)
	require.NoError(t, err)
	require.Len(t, m.Entries, 3)
	require.EqualValues(t, 300, m.Entries[2].FileSize)
}

func TestPriorityCategoryClassification(t *testing.T) {
	require.Equal(t, Critical, CategoryFromPriority(-5))
	require.Equal(t, Essential, CategoryFromPriority(0))
	require.Equal(t, High, CategoryFromPriority(2))
	require.Equal(t, Normal, CategoryFromPriority(5))
	require.Equal(t, Low, CategoryFromPriority(6))
}

func TestPriorityCategoryPredicates(t *testing.T) {
	require.True(t, Critical.BlocksLaunch())
	require.True(t, Essential.BlocksLaunch())
	require.False(t, High.BlocksLaunch())
	require.True(t, Normal.SupportsStreaming())
	require.True(t, Low.SupportsStreaming())
	require.False(t, Essential.SupportsStreaming())
}

func TestAnalyzePriorities(t *testing.T) {
	data := buildDownloadFixture(t, 1)
	m, err := ParseDownloadManifest(data)
	require.NoError(t, err)

	analysis := m.AnalyzePriorities()
	require.Equal(t, 3, analysis.TotalFiles)
	require.EqualValues(t, 600, analysis.TotalSize)
	// Critical (100) + Essential (200) = 300 essential bytes.
	require.EqualValues(t, 300, analysis.EssentialSize)
	require.InDelta(t, 50.0, analysis.EssentialPercentage(), 0.001)
}

func TestTimeToPlayableSeconds(t *testing.T) {
	a := PriorityAnalysis{EssentialSize: 10 * 1024 * 1024}
	require.InDelta(t, 10.0, a.TimeToPlayableSeconds(1.0), 0.001)
}

func TestDownloadPlanEssentialOnly(t *testing.T) {
	data := buildDownloadFixture(t, 1)
	m, err := ParseDownloadManifest(data)
	require.NoError(t, err)

	plan := m.EssentialOnly()
	require.Equal(t, []int{0, 1}, plan.Indices)
	require.EqualValues(t, 300, plan.TotalSize)
}

func TestDownloadPlanCriticalOnly(t *testing.T) {
	data := buildDownloadFixture(t, 1)
	m, err := ParseDownloadManifest(data)
	require.NoError(t, err)

	plan := m.CriticalOnly()
	require.Equal(t, []int{0}, plan.Indices)
}

func TestDownloadPlanByCategories(t *testing.T) {
	data := buildDownloadFixture(t, 1)
	m, err := ParseDownloadManifest(data)
	require.NoError(t, err)

	plan := m.ByCategories(Normal, Low)
	require.Equal(t, []int{2}, plan.Indices)
	require.EqualValues(t, 300, plan.TotalSize)
}

func buildInstallFixture(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("IN")
	buf.WriteByte(1)  // version
	buf.WriteByte(16) // key length
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint16(1)))  // tag count
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(2))) // entry count

	buf.WriteString("Windows")
	buf.WriteByte(0)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint16(0)))
	buf.WriteByte(0xC0) // entries 0 and 1 set

	writeEntry := func(path string, size uint32) {
		buf.WriteString(path)
		buf.WriteByte(0)
		var ckey [16]byte
		buf.Write(ckey[:])
		require.NoError(t, binary.Write(&buf, binary.BigEndian, size))
	}
	writeEntry("Data\\file1.dat", 1024)
	writeEntry("Data\\file2.dat", 2048)

	return buf.Bytes()
}

func TestParseInstallManifest(t *testing.T) {
	data := buildInstallFixture(t)
	m, err := ParseInstallManifest(data)
	require.NoError(t, err)
	require.Len(t, m.Entries, 2)
	require.Equal(t, "Data\\file1.dat", m.Entries[0].Path)
	require.EqualValues(t, 3072, m.TotalSize())
}

func TestInstallEntriesForTags(t *testing.T) {
	data := buildInstallFixture(t)
	m, err := ParseInstallManifest(data)
	require.NoError(t, err)

	entries := m.EntriesForTags("Windows")
	require.Len(t, entries, 2)

	require.Empty(t, m.EntriesForTags("NoSuchTag"))
}
