package kmt

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/internal/metrics"
)

var log = logging.Logger("kmt")

const sortedHeaderSize = 4 // uint32 LE record count

// IndexEntry is what Lookup returns for a resident key.
type IndexEntry struct {
	Locator casctypes.ArchiveLocator
	Size    uint32
}

// Index is an open KMT: a sorted section plus an in-memory mirror of the
// on-disk append-only update log. All public methods are safe for
// concurrent use.
type Index struct {
	mu     sync.RWMutex
	path   string
	sorted []SortedRecord // ascending by EKey
	pages  []page         // newest entries live in the highest-indexed, highest-slot position
	// updateSectionOffset is the byte offset the update section begins
	// at within the file, always UpdateSectionAlignment-aligned.
	updateSectionOffset int64
	file                *os.File
}

// Open loads path if it exists, or creates a new empty KMT file there.
func Open(path string) (*Index, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kmt: opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	idx := &Index{path: path, file: f}
	if info.Size() == 0 {
		if err := idx.initEmpty(); err != nil {
			f.Close()
			return nil, err
		}
		return idx, nil
	}
	if err := idx.load(); err != nil {
		f.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initEmpty() error {
	idx.sorted = nil
	idx.updateSectionOffset = alignUp(sortedHeaderSize)
	idx.pages = nil
	return idx.writeSortedHeaderAndReserve()
}

// writeSortedHeaderAndReserve writes the (possibly empty) sorted section
// and truncates the file to reserve at least MinUpdateSectionPages of
// update-section space beyond it.
func (idx *Index) writeSortedHeaderAndReserve() error {
	buf := make([]byte, sortedHeaderSize+len(idx.sorted)*SortedRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(idx.sorted)))
	for i, r := range idx.sorted {
		m := r.Marshal()
		copy(buf[sortedHeaderSize+i*SortedRecordSize:], m[:])
	}
	if _, err := idx.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("kmt: writing sorted section: %w", err)
	}
	minSize := idx.updateSectionOffset + int64(MinUpdateSectionPages)*PageSize
	if err := idx.file.Truncate(minSize); err != nil {
		return fmt.Errorf("kmt: reserving update section: %w", err)
	}
	return nil
}

func (idx *Index) load() error {
	var countBuf [4]byte
	if _, err := idx.file.ReadAt(countBuf[:], 0); err != nil {
		return fmt.Errorf("%w: reading sorted header: %v", casctypes.ErrIndexCorrupted, err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	sortedBuf := make([]byte, int(count)*SortedRecordSize)
	if len(sortedBuf) > 0 {
		if _, err := idx.file.ReadAt(sortedBuf, sortedHeaderSize); err != nil {
			return fmt.Errorf("%w: reading sorted records: %v", casctypes.ErrIndexCorrupted, err)
		}
	}
	idx.sorted = make([]SortedRecord, count)
	for i := range idx.sorted {
		idx.sorted[i] = UnmarshalSortedRecord(sortedBuf[i*SortedRecordSize:])
	}

	idx.updateSectionOffset = alignUp(sortedHeaderSize + int64(count)*SortedRecordSize)

	info, err := idx.file.Stat()
	if err != nil {
		return err
	}
	totalPages := (info.Size() - idx.updateSectionOffset) / PageSize
	if totalPages < 0 {
		totalPages = 0
	}

	idx.pages = nil
	for i := int64(0); i < totalPages; i++ {
		var buf [PageSize]byte
		if _, err := idx.file.ReadAt(buf[:], idx.updateSectionOffset+i*PageSize); err != nil {
			return fmt.Errorf("%w: reading update page %d: %v", casctypes.ErrIndexCorrupted, i, err)
		}
		p := unmarshalPage(buf)
		for j := 0; j < p.used; j++ {
			if !p.entries[j].ValidateHashGuard() {
				return &casctypes.HashGuardMismatchError{Offset: idx.updateSectionOffset + i*PageSize + int64(j*UpdateRecordSize)}
			}
		}
		if p.used == 0 {
			// Empty-page termination: stop scanning (spec.md §4.4).
			break
		}
		idx.pages = append(idx.pages, p)
	}
	return nil
}

// Lookup searches the update log newest-first, then the sorted section.
// A tombstone (Delete status) shadowing an older match is reported as
// not-found, matching spec.md's newest-wins semantics.
func (idx *Index) Lookup(ekey casctypes.EKeyTrunc) (IndexEntry, bool) {
	start := time.Now()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entry, hitSection, ok := idx.lookupLocked(ekey)
	metrics.KmtLookupLatency.WithLabelValues(hitSection).Observe(time.Since(start).Seconds())
	return entry, ok
}

func (idx *Index) lookupLocked(ekey casctypes.EKeyTrunc) (IndexEntry, string, bool) {
	for pi := len(idx.pages) - 1; pi >= 0; pi-- {
		p := idx.pages[pi]
		for ei := p.used - 1; ei >= 0; ei-- {
			r := p.entries[ei]
			if r.EKey == ekey {
				if r.Status == StatusDelete {
					return IndexEntry{}, "update_tombstone", false
				}
				return IndexEntry{Locator: r.Locator, Size: r.Size}, "update", true
			}
		}
	}

	i := sort.Search(len(idx.sorted), func(i int) bool {
		return compareEKey(idx.sorted[i].EKey, ekey) >= 0
	})
	if i < len(idx.sorted) && idx.sorted[i].EKey == ekey {
		sr := idx.sorted[i]
		return IndexEntry{Locator: sr.Locator, Size: sr.Size}, "sorted", true
	}
	return IndexEntry{}, "miss", false
}

// Query reports membership without returning the entry.
func (idx *Index) Query(ekey casctypes.EKeyTrunc) bool {
	_, ok := idx.Lookup(ekey)
	return ok
}

func compareEKey(a, b casctypes.EKeyTrunc) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// AddEntry appends a Normal status update record for ekey, truncating it
// to its 9-byte on-disk form.
func (idx *Index) AddEntry(ekey casctypes.EKey, locator casctypes.ArchiveLocator, size uint32) error {
	return idx.appendRecord(NewUpdateRecord(ekey.Truncated(), locator, size, StatusNormal))
}

// RemoveEntry appends a Delete tombstone for ekey.
func (idx *Index) RemoveEntry(ekey casctypes.EKey) error {
	return idx.appendRecord(NewUpdateRecord(ekey.Truncated(), casctypes.ArchiveLocator{}, 0, StatusDelete))
}

// UpdateEntryStatus appends a status-change record, preserving the
// entry's most recently known locator/size (used for truncation
// promotion to DataNonResident/HeaderNonResident).
func (idx *Index) UpdateEntryStatus(ekey casctypes.EKey, status Status) error {
	return idx.updateEntryStatusTrunc(ekey.Truncated(), status)
}

// MarkDataNonResidentTrunc promotes the entry known by its truncated
// EKey to DataNonResident, preserving its last known locator/size.
// Compaction recovery (compaction.Recover) only has truncated keys to
// work with, since that's all ExtractCompact's Span/Relocation types
// carry.
func (idx *Index) MarkDataNonResidentTrunc(trunc casctypes.EKeyTrunc) error {
	return idx.updateEntryStatusTrunc(trunc, StatusDataNonResident)
}

func (idx *Index) updateEntryStatusTrunc(trunc casctypes.EKeyTrunc, status Status) error {
	idx.mu.RLock()
	entry, _, ok := idx.lookupLocked(trunc)
	idx.mu.RUnlock()
	if !ok {
		entry = IndexEntry{}
	}
	return idx.appendRecord(NewUpdateRecord(trunc, entry.Locator, entry.Size, status))
}

// EntryLocation is one live KMT entry's identity and archive placement.
type EntryLocation struct {
	EKey   casctypes.EKeyTrunc
	Offset uint32
	Size   uint32
}

// EntriesForArchive returns every live (non-deleted) entry whose archive
// locator points at archiveID, merging the update log over the sorted
// section with newest-wins semantics. Compaction uses this to build the
// span list ExtractCompact/PlanArchiveMerge need for a segment.
func (idx *Index) EntriesForArchive(archiveID uint16) []EntryLocation {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	merged := make(map[casctypes.EKeyTrunc]SortedRecord, len(idx.sorted))
	for _, r := range idx.sorted {
		merged[r.EKey] = r
	}
	for _, p := range idx.pages {
		for i := 0; i < p.used; i++ {
			r := p.entries[i]
			if r.Status == StatusDelete {
				delete(merged, r.EKey)
				continue
			}
			merged[r.EKey] = SortedRecord{EKey: r.EKey, Locator: r.Locator, Size: r.Size}
		}
	}

	var out []EntryLocation
	for _, r := range merged {
		if r.Locator.ArchiveID == archiveID {
			out = append(out, EntryLocation{EKey: r.EKey, Offset: r.Locator.ArchiveOffset, Size: r.Size})
		}
	}
	return out
}

func (idx *Index) appendRecord(r UpdateRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var pageIndex int
	if len(idx.pages) == 0 || idx.pages[len(idx.pages)-1].used == EntriesPerPage {
		idx.pages = append(idx.pages, page{})
		pageIndex = len(idx.pages) - 1
	} else {
		pageIndex = len(idx.pages) - 1
	}
	p := &idx.pages[pageIndex]
	if p.used >= EntriesPerPage {
		return casctypes.ErrUpdateSectionFull
	}
	p.entries[p.used] = r
	p.used++

	m := p.marshal()
	off := idx.updateSectionOffset + int64(pageIndex)*PageSize
	if _, err := idx.file.WriteAt(m[:], off); err != nil {
		return fmt.Errorf("kmt: writing update page: %w", err)
	}

	if (pageIndex+1)%SyncPageInterval == 0 {
		if err := idx.file.Sync(); err != nil {
			log.Warnw("kmt: sync on page cadence failed", "err", err)
		}
	}
	return nil
}

// SaveAll durably flushes (fsyncs) the current update section to disk.
func (idx *Index) SaveAll() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.file.Sync()
}

// FlushUpdatesForBucket merges all update-log entries into the sorted
// section via tmp-file + atomic rename, then clears the update log.
//
// The sorted-section layout is not itself partitioned by key-range bucket
// in this implementation (see DESIGN.md); bucket is accepted for call-site
// symmetry with the segment allocator's bucket-write-lock pool, but every
// call performs a full merge of the whole update log. Callers must hold
// the corresponding segment.Allocator.BucketWriteLock for the duration of
// this call, per spec.md §4.4.
func (idx *Index) FlushUpdatesForBucket(bucket uint32) error {
	start := time.Now()
	defer func() { metrics.KmtFlushDuration.Observe(time.Since(start).Seconds()) }()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	merged := make(map[casctypes.EKeyTrunc]SortedRecord, len(idx.sorted))
	for _, r := range idx.sorted {
		merged[r.EKey] = r
	}
	deleted := make(map[casctypes.EKeyTrunc]bool)

	for _, p := range idx.pages {
		for i := 0; i < p.used; i++ {
			r := p.entries[i]
			switch r.Status {
			case StatusDelete:
				delete(merged, r.EKey)
				deleted[r.EKey] = true
			default:
				merged[r.EKey] = SortedRecord{EKey: r.EKey, Locator: r.Locator, Size: r.Size}
				delete(deleted, r.EKey)
			}
		}
	}

	newSorted := make([]SortedRecord, 0, len(merged))
	for _, r := range merged {
		newSorted = append(newSorted, r)
	}
	sort.Slice(newSorted, func(i, j int) bool {
		return compareEKey(newSorted[i].EKey, newSorted[j].EKey) < 0
	})

	tmpPath := idx.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("kmt: creating tmp file: %w", err)
	}

	buf := make([]byte, sortedHeaderSize+len(newSorted)*SortedRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(newSorted)))
	for i, r := range newSorted {
		m := r.Marshal()
		copy(buf[sortedHeaderSize+i*SortedRecordSize:], m[:])
	}
	if _, err := tmp.WriteAt(buf, 0); err != nil {
		tmp.Close()
		return fmt.Errorf("kmt: writing tmp sorted section: %w", err)
	}

	newUpdateOffset := alignUp(int64(len(buf)))
	minSize := newUpdateOffset + int64(MinUpdateSectionPages)*PageSize
	if err := tmp.Truncate(minSize); err != nil {
		tmp.Close()
		return fmt.Errorf("kmt: reserving tmp update section: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("kmt: syncing tmp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kmt: closing tmp file: %w", err)
	}

	if err := idx.file.Close(); err != nil {
		return fmt.Errorf("kmt: closing current file before rename: %w", err)
	}
	if err := os.Rename(tmpPath, idx.path); err != nil {
		return fmt.Errorf("kmt: renaming tmp file into place: %w", err)
	}

	f, err := os.OpenFile(idx.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("kmt: reopening flushed file: %w", err)
	}
	idx.file = f
	idx.sorted = newSorted
	idx.pages = nil
	idx.updateSectionOffset = newUpdateOffset
	return nil
}

// Close closes the underlying file handle.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.file.Close()
}
