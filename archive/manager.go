package archive

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/wowserhq/cascore/blte"
	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/internal/metrics"
)

var log = logging.Logger("archive")

// fileDescriptor is the subset of *os.File that adviseRandom needs,
// factored out so the Linux and generic implementations share one
// signature without importing os in the no-op build.
type fileDescriptor interface {
	Fd() uintptr
	Name() string
}

const (
	// DefaultMaxArchiveSize is the default maximum size of a single
	// `.data.NNN` archive file.
	DefaultMaxArchiveSize = 1 << 30 // 1 GiB
	writeBufferSize       = 1 << 16
	syncEveryNWrites       = 64
)

type archiveFile struct {
	mu       sync.Mutex
	id       uint16
	path     string
	file     *os.File
	writer   *bufio.Writer // non-nil only for the thawed (current write-head) archive
	size     int64         // current on-disk + buffered length
	writesSinceSync int
}

// Manager owns the set of `.data.NNN` archive files within a data
// directory: it opens them at startup, serves raw/content reads, and
// appends new BLTE-encoded content to the thawed archive, rotating to a
// new archive id when the current one is full.
type Manager struct {
	mu            sync.RWMutex
	dir           string
	maxSize       int64
	archives      map[uint16]*archiveFile
	thawedID      uint16
	nextID        uint16
	keys          blte.KeyStore
	strictChecksums bool
	onRotate      func(oldID, newID uint16)
}

// Options configures Manager construction.
type Options struct {
	MaxArchiveSize  int64
	KeyStore        blte.KeyStore
	StrictChecksums bool
}

// OpenAll enumerates `.data.*` files under dir, opens each for reading, and
// designates the highest-numbered one as the thawed (write-head) archive,
// opening it for append too. It creates dir if it does not exist.
func OpenAll(dir string, opts Options) (*Manager, error) {
	maxSize := opts.MaxArchiveSize
	if maxSize <= 0 {
		maxSize = DefaultMaxArchiveSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating data dir: %w", err)
	}

	m := &Manager{
		dir:             dir,
		maxSize:         maxSize,
		archives:        make(map[uint16]*archiveFile),
		keys:            opts.KeyStore,
		strictChecksums: opts.StrictChecksums,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: reading data dir: %w", err)
	}
	var ids []uint16
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var id uint16
		if _, err := fmt.Sscanf(e.Name(), "data.%03d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		path := filepath.Join(dir, archiveFileName(id))
		f, err := os.OpenFile(path, os.O_RDONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("archive: opening %s: %w", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("archive: stat %s: %w", path, err)
		}
		adviseRandom(f)
		m.archives[id] = &archiveFile{id: id, path: path, file: f, size: info.Size()}
		if id+1 > m.nextID {
			m.nextID = id + 1
		}
	}

	if len(ids) == 0 {
		m.thawedID = 0
		m.nextID = 1
	} else {
		m.thawedID = ids[len(ids)-1]
	}
	if err := m.openThawedForWrite(); err != nil {
		return nil, err
	}
	return m, nil
}

// ArchiveIDs returns every archive id the manager discovered at open
// time, ascending. Used by the caller (container.Open) to seed the
// segment allocator's roster per spec.md §4.5.
func (m *Manager) ArchiveIDs() []uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint16, 0, len(m.archives))
	for id := range m.archives {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PathFor returns the on-disk path of archive id, if known.
func (m *Manager) PathFor(id uint16) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	af, ok := m.archives[id]
	if !ok {
		return "", false
	}
	return af.path, true
}

// SetOnRotate installs a callback invoked whenever WriteContent rotates
// the thawed archive to a new id, after the rotation has completed. Used
// to drive segment.Allocator.FreezeTo so the allocator's roster tracks
// which segments are eligible for compaction (spec.md §4.3/§4.6).
func (m *Manager) SetOnRotate(fn func(oldID, newID uint16)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotate = fn
}

func archiveFileName(id uint16) string {
	return fmt.Sprintf("data.%03d", id)
}

func (m *Manager) openThawedForWrite() error {
	af, ok := m.archives[m.thawedID]
	if !ok {
		path := filepath.Join(m.dir, archiveFileName(m.thawedID))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("archive: creating %s: %w", path, err)
		}
		af = &archiveFile{id: m.thawedID, path: path, file: f}
		m.archives[m.thawedID] = af
	} else {
		wf, err := os.OpenFile(af.path, os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("archive: reopening %s for write: %w", af.path, err)
		}
		af.file.Close()
		af.file = wf
	}
	if _, err := af.file.Seek(af.size, 0); err != nil {
		return fmt.Errorf("archive: seeking thawed archive: %w", err)
	}
	af.writer = bufio.NewWriterSize(af.file, writeBufferSize)
	return nil
}

// ReadRaw returns the length bytes at offset within archiveID, verifying
// the read stays within the file's current length; a shortfall returns
// ErrArchiveTruncated.
func (m *Manager) ReadRaw(archiveID uint16, offset uint32, length uint32) ([]byte, error) {
	m.mu.RLock()
	af, ok := m.archives[archiveID]
	m.mu.RUnlock()
	if !ok {
		return nil, casctypes.ErrArchiveBoundsExceeded
	}

	af.mu.Lock()
	fileLen := af.size
	af.mu.Unlock()
	if int64(offset)+int64(length) > fileLen {
		return nil, casctypes.ErrArchiveTruncated
	}

	buf := make([]byte, length)
	n, err := af.file.ReadAt(buf, int64(offset))
	if err != nil && n < int(length) {
		return nil, fmt.Errorf("%w: %v", casctypes.ErrArchiveTruncated, err)
	}
	metrics.ArchiveBytesRead.WithLabelValues("raw").Add(float64(n))
	return buf, nil
}

// ReadContent reads a framed block at (archiveID, offset) of the given
// total size (header + BLTE payload), validates the local frame header,
// and decodes the BLTE payload into plaintext.
func (m *Manager) ReadContent(archiveID uint16, offset uint32, size uint32) ([]byte, error) {
	raw, err := m.ReadRaw(archiveID, offset, size)
	if err != nil {
		return nil, err
	}
	if len(raw) < FrameSize {
		return nil, casctypes.ErrArchiveTruncated
	}
	frame, err := UnmarshalFrame(raw[:FrameSize])
	if err != nil {
		return nil, err
	}
	if frame.TotalSize != size {
		log.Warnw("archive frame total size mismatch", "archive", archiveID, "offset", offset, "frame_size", frame.TotalSize, "requested", size)
	}

	body := raw[FrameSize:]
	computedA, computedB := computeChecksums(raw[:22], body)
	if computedA != frame.ChecksumA || computedB != frame.ChecksumB {
		if m.strictChecksums {
			return nil, fmt.Errorf("archive: checksum mismatch for %s", frame.EKey)
		}
		log.Warnw("archive frame checksum mismatch (non-fatal)", "ekey", frame.EKey.String())
	}

	plaintext, err := blte.Decode(body, m.keys)
	if err != nil {
		return nil, err
	}
	metrics.ArchiveBytesRead.WithLabelValues("content").Add(float64(len(plaintext)))
	return plaintext, nil
}

// WriteResult is returned by WriteContent.
type WriteResult struct {
	ArchiveID     uint16
	Offset        uint32
	TotalSize     uint32
	EncodingKey   casctypes.EKey
}

// WriteContent BLTE-encodes plaintext (mode Z, level 6), computes its
// encoding key, frames it with a 30-byte local header, and appends it to
// the thawed archive, rotating to a new archive id if there isn't enough
// room left.
func (m *Manager) WriteContent(plaintext []byte) (WriteResult, error) {
	encoded, err := blte.Encode(plaintext, blte.EncodeOptions{Mode: blte.ModeZlib, Level: 6})
	if err != nil {
		return WriteResult{}, err
	}
	ekey := casctypes.ComputeEKey(encoded)
	total := FrameSize + len(encoded)

	frame := Frame{EKey: ekey, TotalSize: uint32(total)}
	header := frame.Marshal()
	a, b := computeChecksums(header[:22], encoded)
	frame.ChecksumA, frame.ChecksumB = a, b
	header = frame.Marshal()

	var buf []byte
	buf = append(buf, header[:]...)
	buf = append(buf, encoded...)

	m.mu.Lock()
	defer m.mu.Unlock()

	af := m.archives[m.thawedID]
	if af.size+int64(len(buf)) > m.maxSize {
		if err := m.rotateLocked(); err != nil {
			return WriteResult{}, err
		}
		af = m.archives[m.thawedID]
	}

	offset := uint32(af.size)
	af.mu.Lock()
	n, err := af.writer.Write(buf)
	if err != nil {
		af.mu.Unlock()
		return WriteResult{}, fmt.Errorf("archive: writing content: %w", err)
	}
	af.size += int64(n)
	// Flush on every write (not just on the sync cadence): ReadRaw/
	// ReadContent read directly from the file handle, so a write that
	// only sat in the bufio.Writer's userspace buffer would be invisible
	// to an immediately following read of the same key. The sync cadence
	// below governs the more expensive fsync-to-disk, not this flush.
	flushErr := af.writer.Flush()
	af.writesSinceSync++
	shouldSync := af.writesSinceSync >= syncEveryNWrites
	if shouldSync {
		af.writesSinceSync = 0
	}
	af.mu.Unlock()

	if flushErr != nil {
		return WriteResult{}, fmt.Errorf("archive: flushing: %w", flushErr)
	}
	if shouldSync {
		if err := af.file.Sync(); err != nil {
			return WriteResult{}, fmt.Errorf("archive: syncing: %w", err)
		}
	}

	metrics.ArchiveBytesWritten.WithLabelValues(fmt.Sprint(m.thawedID)).Add(float64(n))

	return WriteResult{
		ArchiveID:   m.thawedID,
		Offset:      offset,
		TotalSize:   uint32(total),
		EncodingKey: ekey,
	}, nil
}

// rotateLocked must be called with m.mu held. It flushes and syncs the
// current thawed archive, then opens the next archive id for writing.
func (m *Manager) rotateLocked() error {
	cur := m.archives[m.thawedID]
	if cur.writer != nil {
		if err := cur.writer.Flush(); err != nil {
			return fmt.Errorf("archive: flushing on rotate: %w", err)
		}
		if err := cur.file.Sync(); err != nil {
			return fmt.Errorf("archive: syncing on rotate: %w", err)
		}
		cur.writer = nil
	}
	if m.nextID > casctypes.MaxArchives {
		return casctypes.ErrSegmentLimitReached
	}
	oldID := m.thawedID
	m.thawedID = m.nextID
	m.nextID++
	if err := m.openThawedForWrite(); err != nil {
		return err
	}
	if m.onRotate != nil {
		// Invoked with m.mu held: safe despite container's nominal
		// segment -> index -> archive lock order, because
		// segment.Allocator.FreezeTo only ever takes its own mutex and
		// never calls back into archive or kmt.
		m.onRotate(oldID, m.thawedID)
	}
	return nil
}

// Flush flushes the thawed archive's buffered writer without forcing an
// fsync.
func (m *Manager) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	af := m.archives[m.thawedID]
	af.mu.Lock()
	defer af.mu.Unlock()
	return af.writer.Flush()
}

// Sync flushes and fsyncs the thawed archive.
func (m *Manager) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	af := m.archives[m.thawedID]
	af.mu.Lock()
	defer af.mu.Unlock()
	if err := af.writer.Flush(); err != nil {
		return err
	}
	return af.file.Sync()
}

// Close flushes, syncs, and closes every open archive file handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, af := range m.archives {
		af.mu.Lock()
		if af.writer != nil {
			if err := af.writer.Flush(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := af.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		af.mu.Unlock()
	}
	return firstErr
}

// Stats reports the number of archives and their total on-disk size.
type Stats struct {
	ArchiveCount int
	TotalSize    int64
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, af := range m.archives {
		af.mu.Lock()
		total += af.size
		af.mu.Unlock()
	}
	return Stats{ArchiveCount: len(m.archives), TotalSize: total}
}
