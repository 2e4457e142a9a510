// Package compaction implements segment reclamation for Dynamic
// Container archives: ArchiveMerge (consolidate low-utilisation frozen
// segments) and ExtractCompact (remove gaps within a single segment).
//
// Grounded on store/freelist/freelist.go's ToGC rename-handoff idiom
// (hand a mutable file off to a recovery-visible side file before
// touching it, delete the side file only once work completes).
package compaction

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// BackupFileName is the well-known name of the compaction backup file
// within a data directory.
const BackupFileName = "extract_bu"

const backupVersion = 1

// MaxBackupEntries is the maximum number of segment ids the backup file
// format can record.
const MaxBackupEntries = 1023

// Backup tracks which segment ids are mid-compaction, so a crash between
// mutating a segment's bytes and completing compaction can be recovered
// from at startup.
type Backup struct {
	path string
}

// OpenBackup returns a handle to the backup file at dir/extract_bu. The
// file is not created until the first Begin call.
func OpenBackup(dir string) *Backup {
	return &Backup{path: filepath.Join(dir, BackupFileName)}
}

// Exists reports whether a backup file is currently present, which at
// startup means a prior compaction was interrupted and recovery must run
// for every segment id it recorded.
func (b *Backup) Exists() bool {
	_, err := os.Stat(b.path)
	return err == nil
}

// Pending reads the segment ids recorded in an existing backup file, for
// startup recovery. Returns (nil, nil) if no backup file exists.
func (b *Backup) Pending() ([]uint32, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("compaction: reading backup file: %w", err)
	}
	if len(data) < 5 || data[0] != backupVersion {
		return nil, fmt.Errorf("compaction: malformed backup file %s", b.path)
	}
	maxEntries := binary.LittleEndian.Uint32(data[1:5])
	if maxEntries > MaxBackupEntries {
		return nil, fmt.Errorf("compaction: backup file declares max_entries %d > %d", maxEntries, MaxBackupEntries)
	}

	rest := data[5:]
	if len(rest)%4 != 0 {
		return nil, fmt.Errorf("compaction: malformed backup file %s: trailing bytes", b.path)
	}
	ids := make([]uint32, len(rest)/4)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint32(rest[i*4:])
	}
	return ids, nil
}

// Begin records that segmentID is about to be mutated by compaction,
// creating the backup file if this is the first recorded segment in the
// current compaction run.
func (b *Backup) Begin(segmentID uint32) error {
	existing, err := b.Pending()
	if err != nil {
		return err
	}
	if len(existing) >= MaxBackupEntries {
		return fmt.Errorf("compaction: backup file already has %d entries", len(existing))
	}
	for _, id := range existing {
		if id == segmentID {
			return nil // already recorded
		}
	}

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("compaction: opening backup file: %w", err)
	}
	defer f.Close()

	if len(existing) == 0 {
		var header [5]byte
		header[0] = backupVersion
		binary.LittleEndian.PutUint32(header[1:5], MaxBackupEntries)
		if _, err := f.Write(header[:]); err != nil {
			return fmt.Errorf("compaction: writing backup header: %w", err)
		}
	}

	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], segmentID)
	if _, err := f.Write(idBuf[:]); err != nil {
		return fmt.Errorf("compaction: appending backup entry: %w", err)
	}
	return f.Sync()
}

// Complete removes the backup file once every recorded segment has
// finished compacting successfully.
func (b *Backup) Complete() error {
	err := os.Remove(b.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("compaction: removing backup file: %w", err)
	}
	return nil
}
