// Package container implements the Dynamic Container storage handle:
// the top-level read/write surface that ties the KMT, segment allocator
// and archive manager together behind a single fixed lock order.
//
// Grounded on store/store.go's OpenStore/Get/Put/Remove shape: an error
// latch checked at the top of every operation. There is no typed error
// for duplicate writes and no debounced flush: Write and Remove persist
// the KMT synchronously before they return.
package container

import (
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/wowserhq/cascore/archive"
	"github.com/wowserhq/cascore/cascorecfg"
	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/compaction"
	"github.com/wowserhq/cascore/kmt"
	"github.com/wowserhq/cascore/segment"
)

var log = logging.Logger("container")

// Container is an open CASC storage directory: KMT + segment allocator +
// archive manager, presented as a single content-addressed store keyed by
// EncodingKey.
//
// Lock ordering is fixed at segment.Allocator -> kmt.Index -> archive.Manager
// to avoid deadlock between concurrent Write and FlushUpdatesForBucket
// calls; every method that touches more than one acquires them in that
// order.
type Container struct {
	stateMu sync.RWMutex
	err     error

	segments *segment.Allocator
	index    *kmt.Index
	archives *archive.Manager

	accessMode cascorecfg.AccessMode
	residency  cascorecfg.ResidencyTracker
	lru        cascorecfg.LRUTracker
}

// Options configures Open.
type Options struct {
	MaxArchiveSize  int64
	KeyStore        archiveKeyStore
	StrictChecksums bool
	AccessMode      cascorecfg.AccessMode
	Residency       cascorecfg.ResidencyTracker
	LRU             cascorecfg.LRUTracker
}

type archiveKeyStore = interface {
	Key(keyName uint64) ([16]byte, bool)
}

// Open opens (or creates) a Dynamic Container rooted at dir, with the KMT
// file at indexPath.
func Open(dir, indexPath string, opts Options) (*Container, error) {
	idx, err := kmt.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("container: opening kmt: %w", err)
	}

	archives, err := archive.OpenAll(dir, archive.Options{
		MaxArchiveSize:  opts.MaxArchiveSize,
		KeyStore:        opts.KeyStore,
		StrictChecksums: opts.StrictChecksums,
	})
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("container: opening archives: %w", err)
	}

	// Seed the allocator's roster from the archives actually discovered
	// on disk (spec.md §4.5's "loads segment roster"), rather than
	// starting from a fresh single-segment allocator that has no idea
	// which segments already exist and are frozen.
	segments := segment.LoadExisting(archives.ArchiveIDs())
	archives.SetOnRotate(func(oldID, newID uint16) {
		if err := segments.FreezeTo(oldID, newID); err != nil {
			log.Warnw("container: failed to freeze rotated segment", "old", oldID, "new", newID, "err", err)
		}
	})

	c := &Container{
		segments:   segments,
		index:      idx,
		archives:   archives,
		accessMode: opts.AccessMode,
		residency:  opts.Residency,
		lru:        opts.LRU,
	}

	// spec.md §3: "Compaction backup file ... its existence at startup
	// triggers recovery."
	if err := c.recoverCompaction(dir); err != nil {
		archives.Close()
		idx.Close()
		return nil, fmt.Errorf("container: compaction recovery: %w", err)
	}

	return c, nil
}

// recoverCompaction re-runs extract-compact for every segment id a
// leftover compaction backup file recorded, per spec.md §4.6, and
// demotes every relocated entry to DataNonResident since a crash
// mid-compaction means no reader's view of the old offset can be
// trusted. A no-op if no backup file is present.
func (c *Container) recoverCompaction(dir string) error {
	backup := compaction.OpenBackup(dir)
	if !backup.Exists() {
		return nil
	}

	lookup := func(segmentID uint32) (string, []compaction.Span, error) {
		id := uint16(segmentID)
		path, ok := c.archives.PathFor(id)
		if !ok {
			return "", nil, fmt.Errorf("container: recovering unknown segment %d", id)
		}
		entries := c.index.EntriesForArchive(id)
		spans := make([]compaction.Span, len(entries))
		for i, e := range entries {
			spans[i] = compaction.Span{Offset: e.Offset, Length: e.Size, EKey: e.EKey}
		}
		compaction.SortSpans(spans)
		return path, spans, nil
	}
	onRelocation := func(rel compaction.Relocation) error {
		return c.index.MarkDataNonResidentTrunc(rel.EKey)
	}

	if err := compaction.Recover(backup, lookup, onRelocation); err != nil {
		return err
	}
	return c.index.SaveAll()
}

// OpenWithConfig opens a Dynamic Container the way Open does, but driven
// by a cascorecfg.Config rather than an ad-hoc Options value. indexPath
// is used as given; it is not derived from cfg.
func OpenWithConfig(cfg cascorecfg.Config, indexPath string, keyStore archiveKeyStore) (*Container, error) {
	return Open(cfg.StoragePath, indexPath, Options{
		MaxArchiveSize: cfg.MaxSegmentSize,
		KeyStore:       keyStore,
		AccessMode:     cfg.AccessMode,
		Residency:      cfg.Residency,
		LRU:            cfg.LRU,
	})
}

func (c *Container) setErr(err error) {
	c.stateMu.Lock()
	c.err = err
	c.stateMu.Unlock()
}

func (c *Container) checkErr() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.err
}

// Query reports whether ekey is resident, without reading its content.
func (c *Container) Query(ekey casctypes.EKey) (bool, error) {
	if err := c.checkErr(); err != nil {
		return false, err
	}
	return c.index.Query(ekey.Truncated()), nil
}

// Read fetches and decodes the content stored under ekey.
func (c *Container) Read(ekey casctypes.EKey) ([]byte, error) {
	if err := c.checkErr(); err != nil {
		return nil, err
	}

	entry, ok := c.index.Lookup(ekey.Truncated())
	if !ok {
		return nil, &casctypes.NotFoundError{Key: ekey.String()}
	}

	data, err := c.archives.ReadContent(entry.Locator.ArchiveID, entry.Locator.ArchiveOffset, entry.Size)
	if err != nil {
		if errors.Is(err, casctypes.ErrArchiveTruncated) {
			c.handleTruncatedRead(ekey, entry.Locator.ArchiveOffset, entry.Size)
			return nil, fmt.Errorf("%w: %v", casctypes.ErrTruncatedRead, err)
		}
		return nil, err
	}
	if c.lru != nil {
		c.lru.Touch(ekey.Truncated())
	}
	return data, nil
}

// handleTruncatedRead is the promotion path for a short archive read on
// a resident key: from the container's
// perspective the key is known-good and the failure is local I/O, not a
// missing key, so the span is marked non-resident (if a residency
// tracker is configured) and the KMT entry is demoted to
// DataNonResident rather than left pointing at unreadable bytes.
func (c *Container) handleTruncatedRead(ekey casctypes.EKey, offset, length uint32) {
	if c.residency != nil {
		c.residency.MarkNonResident(ekey, offset, length)
	}
	if err := c.index.UpdateEntryStatus(ekey, kmt.StatusDataNonResident); err != nil {
		log.Warnw("container: failed to mark entry data-non-resident", "err", err)
	}
}

// Write stores plaintext content, returning the EncodingKey it is now
// addressable by. Holds the thawed segment's bucket write lock while it
// appends to the archive manager and then adds the KMT entry; the
// archive manager and the KMT are locked one after the other, never
// together.
func (c *Container) Write(plaintext []byte) (casctypes.EKey, error) {
	if err := c.checkErr(); err != nil {
		return casctypes.EKey{}, err
	}
	if c.accessMode == cascorecfg.ReadOnly {
		return casctypes.EKey{}, casctypes.ErrAccessDenied
	}

	bucket := uint32(c.segments.ThawedID())
	lock := c.segments.BucketWriteLock(bucket)
	lock.Lock()
	defer lock.Unlock()

	result, err := c.archives.WriteContent(plaintext)
	if err != nil {
		c.setErr(err)
		return casctypes.EKey{}, err
	}

	locator := casctypes.ArchiveLocator{ArchiveID: result.ArchiveID, ArchiveOffset: result.Offset}
	if err := c.index.AddEntry(result.EncodingKey, locator, result.TotalSize); err != nil {
		return casctypes.EKey{}, err
	}
	// Per spec.md §4.5, write persists the KMT update synchronously: the
	// entry must be durable before the bucket write lock is released, so
	// a subsequent writer's update can never become visible ahead of it.
	if err := c.index.SaveAll(); err != nil {
		return casctypes.EKey{}, err
	}
	return result.EncodingKey, nil
}

// Remove tombstones ekey in the KMT. The underlying archive bytes are
// reclaimed later by compaction, not by this call.
func (c *Container) Remove(ekey casctypes.EKey) (bool, error) {
	if err := c.checkErr(); err != nil {
		return false, err
	}
	if c.accessMode == cascorecfg.ReadOnly {
		return false, casctypes.ErrAccessDenied
	}
	if !c.index.Query(ekey.Truncated()) {
		return false, nil
	}
	if err := c.index.RemoveEntry(ekey); err != nil {
		return false, err
	}
	if err := c.index.SaveAll(); err != nil {
		return false, err
	}
	return true, nil
}

// Reserve is a no-op placeholder for the reservation protocol some CASC
// clients use to pre-announce an EKey before writing it; this
// implementation has no separate reservation table, so membership is
// authoritative immediately after Write.
func (c *Container) Reserve(ekey casctypes.EKey) error {
	if c.accessMode == cascorecfg.ReadOnly {
		return casctypes.ErrAccessDenied
	}
	return nil
}

// RemoveSpan is reserved for future span-level purge: it is a no-op when
// the entry is absent, for parity with existing client behavior, but
// rejects in read-only mode exactly as Remove does.
func (c *Container) RemoveSpan(ekey casctypes.EKey, offset, length uint32) error {
	if c.accessMode == cascorecfg.ReadOnly {
		return casctypes.ErrAccessDenied
	}
	return nil
}

// Flush durably persists the KMT's update log.
func (c *Container) Flush() error {
	if err := c.checkErr(); err != nil {
		return err
	}
	if err := c.archives.Flush(); err != nil {
		return err
	}
	return c.index.SaveAll()
}

// Close flushes and closes the archive manager and KMT.
func (c *Container) Close() error {
	var errs []error
	if err := c.archives.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.index.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("container: close errors: %v", errs)
	}
	return nil
}
