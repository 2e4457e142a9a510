package compaction

import (
	"sort"

	"github.com/wowserhq/cascore/casctypes"
)

// SegmentSpans is one frozen segment's live spans, as input to
// PlanArchiveMerge.
type SegmentSpans struct {
	SegmentID   uint32
	SegmentSize uint32
	Spans       []Span
}

func (s SegmentSpans) utilisation() uint32 {
	var total uint32
	for _, span := range s.Spans {
		total += span.Length
	}
	return total
}

// Move describes relocating one live span from a source segment into a
// target (destination) segment during ArchiveMerge.
type Move struct {
	SourceSegment uint32
	SourceOffset  uint32
	DestSegment   uint32
	DestOffset    uint32
	Length        uint32
	EKey          casctypes.EKeyTrunc
}

// PlanArchiveMerge sorts frozen segments by utilisation ascending and
// greedily packs low-utilisation segments into a target segment while
// dest_used + source_used <= segment_size. It returns the moves to
// perform and the ids of segments that end up fully empty
// (deletion candidates); the target segment itself is never listed as a
// deletion candidate even if its own original content is relocated
// elsewhere by a later, larger pass.
func PlanArchiveMerge(segments []SegmentSpans) (moves []Move, deletionCandidates []uint32) {
	sorted := make([]SegmentSpans, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].utilisation() < sorted[j].utilisation() })

	var dest *SegmentSpans
	var destUsed uint32

	for i := range sorted {
		src := &sorted[i]
		util := src.utilisation()

		if len(src.Spans) == 0 {
			deletionCandidates = append(deletionCandidates, src.SegmentID)
			continue
		}

		if dest == nil {
			dest = src
			destUsed = util
			continue
		}

		if destUsed+util > dest.SegmentSize {
			dest = src
			destUsed = util
			continue
		}

		for _, span := range src.Spans {
			moves = append(moves, Move{
				SourceSegment: src.SegmentID,
				SourceOffset:  span.Offset,
				DestSegment:   dest.SegmentID,
				DestOffset:    destUsed,
				Length:        span.Length,
				EKey:          span.EKey,
			})
			destUsed += span.Length
		}
		deletionCandidates = append(deletionCandidates, src.SegmentID)
	}

	return moves, deletionCandidates
}
