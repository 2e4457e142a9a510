package compaction

import (
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("compaction")

// SpanLookup resolves the current live spans for a segment id, so
// recovery can re-run extract-compact against it.
type SpanLookup func(segmentID uint32) (path string, spans []Span, err error)

// MarkDataNonResident is invoked for every relocation recovery performs,
// letting the caller update its KMT: any entry whose offset no longer
// matches what extract-compact produced is promoted to DataNonResident
// rather than silently rewritten, since a crash mid-compaction means the
// caller cannot be sure which reader, if any, already observed the old
// offset.
type MarkDataNonResident func(rel Relocation) error

// Recover runs at startup: if a Backup file is present, it means a prior
// compaction run was interrupted partway through. Every segment id it
// recorded is re-run through ExtractCompact, and every resulting
// relocation is reported via onRelocation so the caller can reconcile
// its KMT.
func Recover(backup *Backup, lookup SpanLookup, onRelocation MarkDataNonResident) error {
	if !backup.Exists() {
		return nil
	}

	ids, err := backup.Pending()
	if err != nil {
		return err
	}

	for _, id := range ids {
		path, spans, err := lookup(id)
		if err != nil {
			return err
		}
		SortSpans(spans)
		_, relocations, err := ExtractCompact(path, spans)
		if err != nil {
			return err
		}
		for _, rel := range relocations {
			if rel.OldOffset != rel.NewOffset {
				if err := onRelocation(rel); err != nil {
					return err
				}
			}
		}
		log.Infow("compaction: recovered segment", "segment", id, "relocations", len(relocations))
	}

	return backup.Complete()
}
