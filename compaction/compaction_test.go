package compaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wowserhq/cascore/casctypes"
)

func ekeyFor(b byte) casctypes.EKeyTrunc {
	var k casctypes.EKeyTrunc
	for i := range k {
		k[i] = b
	}
	return k
}

func TestValidateSpansRejectsOverlap(t *testing.T) {
	spans := []Span{
		{Offset: 0, Length: 10, EKey: ekeyFor(1)},
		{Offset: 5, Length: 10, EKey: ekeyFor(2)},
	}
	require.Error(t, ValidateSpans(spans))
}

func TestValidateSpansAcceptsAdjacentNonOverlapping(t *testing.T) {
	spans := []Span{
		{Offset: 0, Length: 10, EKey: ekeyFor(1)},
		{Offset: 10, Length: 5, EKey: ekeyFor(2)},
	}
	require.NoError(t, ValidateSpans(spans))
}

func TestExtractCompactEliminatesGapsAndTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.bin")
	content := []byte("AAAA____BBBB____CCCC")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	spans := []Span{
		{Offset: 0, Length: 4, EKey: ekeyFor(1)},  // "AAAA"
		{Offset: 8, Length: 4, EKey: ekeyFor(2)},   // "BBBB"
		{Offset: 16, Length: 4, EKey: ekeyFor(3)},  // "CCCC"
	}

	saved, relocations, err := ExtractCompact(path, spans)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)-12), saved)
	require.Len(t, relocations, 3)

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("AAAABBBBCCCC"), out)

	require.Equal(t, uint32(0), relocations[0].NewOffset)
	require.Equal(t, uint32(4), relocations[1].NewOffset)
	require.Equal(t, uint32(8), relocations[2].NewOffset)
}

func TestExtractCompactNoOpWhenAlreadyDense(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.bin")
	content := []byte("AAAABBBB")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	spans := []Span{
		{Offset: 0, Length: 4, EKey: ekeyFor(1)},
		{Offset: 4, Length: 4, EKey: ekeyFor(2)},
	}
	saved, relocations, err := ExtractCompact(path, spans)
	require.NoError(t, err)
	require.Equal(t, int64(0), saved)
	for _, rel := range relocations {
		require.Equal(t, rel.OldOffset, rel.NewOffset)
	}
}

func TestPlanArchiveMergePacksLowUtilisationSegments(t *testing.T) {
	segments := []SegmentSpans{
		{SegmentID: 1, SegmentSize: 100, Spans: []Span{{Offset: 0, Length: 90, EKey: ekeyFor(1)}}},
		{SegmentID: 2, SegmentSize: 100, Spans: []Span{{Offset: 0, Length: 10, EKey: ekeyFor(2)}}},
		{SegmentID: 3, SegmentSize: 100, Spans: []Span{{Offset: 0, Length: 20, EKey: ekeyFor(3)}}},
		{SegmentID: 4, SegmentSize: 100, Spans: nil},
	}

	moves, deletions := PlanArchiveMerge(segments)

	require.Contains(t, deletions, uint32(4))
	require.Len(t, moves, 1)
	require.Equal(t, uint32(3), moves[0].SourceSegment)
	require.Equal(t, uint32(2), moves[0].DestSegment)
	require.Equal(t, uint32(10), moves[0].DestOffset)
	require.Contains(t, deletions, uint32(3))
}

func TestPlanArchiveMergeStartsNewTargetWhenFull(t *testing.T) {
	segments := []SegmentSpans{
		{SegmentID: 1, SegmentSize: 50, Spans: []Span{{Offset: 0, Length: 40, EKey: ekeyFor(1)}}},
		{SegmentID: 2, SegmentSize: 50, Spans: []Span{{Offset: 0, Length: 45, EKey: ekeyFor(2)}}},
	}
	moves, deletions := PlanArchiveMerge(segments)
	require.Empty(t, moves)
	require.Empty(t, deletions)
}

func TestBackupBeginPendingComplete(t *testing.T) {
	dir := t.TempDir()
	b := OpenBackup(dir)
	require.False(t, b.Exists())

	require.NoError(t, b.Begin(1))
	require.NoError(t, b.Begin(2))
	require.NoError(t, b.Begin(1)) // duplicate is a no-op

	require.True(t, b.Exists())
	ids, err := b.Pending()
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2}, ids)

	require.NoError(t, b.Complete())
	require.False(t, b.Exists())
}

func TestRecoverNoOpWhenNoBackupPresent(t *testing.T) {
	dir := t.TempDir()
	b := OpenBackup(dir)
	called := false
	err := Recover(b, func(id uint32) (string, []Span, error) {
		called = true
		return "", nil, nil
	}, func(rel Relocation) error { return nil })
	require.NoError(t, err)
	require.False(t, called)
}

func TestRecoverReRunsExtractCompactForPendingSegments(t *testing.T) {
	dir := t.TempDir()
	segPath := filepath.Join(dir, "data.000")
	require.NoError(t, os.WriteFile(segPath, []byte("AAAA____BBBB"), 0o644))

	b := OpenBackup(dir)
	require.NoError(t, b.Begin(0))

	var relocated []Relocation
	err := Recover(b, func(id uint32) (string, []Span, error) {
		return segPath, []Span{
			{Offset: 0, Length: 4, EKey: ekeyFor(1)},
			{Offset: 8, Length: 4, EKey: ekeyFor(2)},
		}, nil
	}, func(rel Relocation) error {
		relocated = append(relocated, rel)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, relocated, 1)
	require.False(t, b.Exists())

	out, err := os.ReadFile(segPath)
	require.NoError(t, err)
	require.Equal(t, []byte("AAAABBBB"), out)
}
