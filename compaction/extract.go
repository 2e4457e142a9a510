package compaction

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/internal/metrics"
)

// Span is a live, non-empty byte range within a segment file that an
// extract-compact pass must preserve.
type Span struct {
	Offset uint32
	Length uint32
	EKey   casctypes.EKeyTrunc
}

// ValidateSpans checks that spans are sorted ascending by offset and
// that no two overlap; an overlap is treated as a fatal data-model
// violation rather than something compaction can silently repair.
func ValidateSpans(spans []Span) error {
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if cur.Offset < prev.Offset {
			return fmt.Errorf("compaction: spans out of order at index %d", i)
		}
		if cur.Offset < prev.Offset+prev.Length {
			return fmt.Errorf("compaction: overlapping spans at index %d: [%d,%d) and [%d,%d)",
				i, prev.Offset, prev.Offset+prev.Length, cur.Offset, cur.Offset+cur.Length)
		}
	}
	return nil
}

// Relocation records a span's new offset within a compacted file, so the
// caller can rewrite the corresponding KMT entry.
type Relocation struct {
	EKey      casctypes.EKeyTrunc
	OldOffset uint32
	NewOffset uint32
	Length    uint32
}

// ExtractCompact reads path's live spans, shifts them forward to
// eliminate the gaps between them, truncates the file to the new size,
// and returns the bytes reclaimed plus the per-span relocations the
// caller must apply to the KMT.
//
// spans must already be sorted and validated via ValidateSpans; the
// caller (container/compaction orchestration) owns the segment's
// exclusive lock for the duration of this call.
func ExtractCompact(path string, spans []Span) (bytesSaved int64, relocations []Relocation, err error) {
	if err := ValidateSpans(spans); err != nil {
		return 0, nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, nil, fmt.Errorf("compaction: opening segment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, nil, err
	}
	originalSize := info.Size()

	var writeOffset uint32
	relocations = make([]Relocation, 0, len(spans))
	buf := make([]byte, 0, 1<<20)

	for _, span := range spans {
		if int(span.Length) > cap(buf) {
			buf = make([]byte, span.Length)
		} else {
			buf = buf[:span.Length]
		}
		if _, err := f.ReadAt(buf, int64(span.Offset)); err != nil && err != io.EOF {
			return 0, nil, fmt.Errorf("compaction: reading span at %d: %w", span.Offset, err)
		}
		if span.Offset != writeOffset {
			if _, err := f.WriteAt(buf, int64(writeOffset)); err != nil {
				return 0, nil, fmt.Errorf("compaction: writing compacted span: %w", err)
			}
		}
		relocations = append(relocations, Relocation{
			EKey:      span.EKey,
			OldOffset: span.Offset,
			NewOffset: writeOffset,
			Length:    span.Length,
		})
		writeOffset += span.Length
	}

	if err := f.Truncate(int64(writeOffset)); err != nil {
		return 0, nil, fmt.Errorf("compaction: truncating segment: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, nil, fmt.Errorf("compaction: syncing segment: %w", err)
	}

	bytesSaved = originalSize - int64(writeOffset)
	metrics.CompactionBytesSaved.WithLabelValues("extract_compact").Add(float64(bytesSaved))
	return bytesSaved, relocations, nil
}

// SortSpans sorts spans ascending by offset in place, a convenience for
// callers assembling spans from an unordered KMT scan.
func SortSpans(spans []Span) {
	sort.Slice(spans, func(i, j int) bool { return spans[i].Offset < spans[j].Offset })
}
