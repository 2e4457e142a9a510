package cdn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/bytebufferpool"
	"github.com/wowserhq/cascore/casctypes"
)

// zstdMagic is the 4-byte frame magic zstd prepends to a compressed
// stream. Some CDN hosts serve archive-index files zstd-compressed;
// ParseArchiveIndex transparently decompresses them before parsing.
var zstdMagic = [4]byte{0x28, 0xb5, 0x2f, 0xfd}

func maybeDecompressZstd(data []byte) ([]byte, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], zstdMagic[:]) {
		return data, nil
	}
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cdn: opening zstd archive index: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("cdn: decompressing zstd archive index: %w", err)
	}
	return out, nil
}

// ArchiveEntry is one EKey's location within a CDN archive blob, per
// spec.md §4.10's archive-index format (separate from the KMT).
type ArchiveEntry struct {
	ArchiveOffset uint32
	Size          uint32
}

type archiveIndexPage struct {
	firstKey   casctypes.EKeyTrunc
	pageOffset int
}

// archiveEntryRecordSize is {ekey_trunc[9]}{archive_offset u32 BE}{size u32 BE}.
const archiveEntryRecordSize = casctypes.EKeyTruncSize + 4 + 4

// ArchiveIndex is a parsed, binary-searchable EKey -> (archive_offset,
// size) table for a single CDN archive blob, grounded on
// compactindexsized/query.go's page-index-then-linear-scan idiom
// (generalized from compactindexsized's fixed-width hash buckets to a
// sorted-key page index, matching the paging approach this codebase
// already uses for encoding.Table and root.Root's block sequence).
type ArchiveIndex struct {
	data     []byte
	pages    []archiveIndexPage
	checksum uint64
}

// Checksum returns the xxhash of the index's raw bytes, grounded on
// compactindexsized.compactindex.go's bucket-hash use of the same
// library. It lets a cache holding an ArchiveIndex across archive-index
// refreshes detect a content change without a byte-for-byte compare.
func (idx *ArchiveIndex) Checksum() uint64 {
	return idx.checksum
}

// archiveIndexPageEntries is how many fixed-width records each page
// holds before starting a new page; chosen to keep a page within a
// single typical filesystem block.
const archiveIndexPageEntries = 170

// ParseArchiveIndex parses a flat, sorted sequence of archive-entry
// records (no outer page-index header; the page boundaries are
// recomputed from archiveIndexPageEntries since every record is
// fixed-width).
func ParseArchiveIndex(data []byte) (*ArchiveIndex, error) {
	data, err := maybeDecompressZstd(data)
	if err != nil {
		return nil, err
	}
	if len(data)%archiveEntryRecordSize != 0 {
		return nil, fmt.Errorf("cdn: archive index length %d is not a multiple of record size %d", len(data), archiveEntryRecordSize)
	}
	count := len(data) / archiveEntryRecordSize
	idx := &ArchiveIndex{data: data, checksum: xxhash.Sum64(data)}
	for i := 0; i < count; i += archiveIndexPageEntries {
		off := i * archiveEntryRecordSize
		var firstKey casctypes.EKeyTrunc
		copy(firstKey[:], data[off:off+casctypes.EKeyTruncSize])
		idx.pages = append(idx.pages, archiveIndexPage{firstKey: firstKey, pageOffset: off})
	}
	return idx, nil
}

// Lookup finds the archive entry for ekey, if present.
func (idx *ArchiveIndex) Lookup(ekey casctypes.EKeyTrunc) (ArchiveEntry, bool) {
	if len(idx.pages) == 0 {
		return ArchiveEntry{}, false
	}
	pageIdx := sort.Search(len(idx.pages), func(i int) bool {
		return bytes.Compare(idx.pages[i].firstKey[:], ekey[:]) > 0
	}) - 1
	if pageIdx < 0 {
		return ArchiveEntry{}, false
	}

	start := idx.pages[pageIdx].pageOffset
	end := start + archiveIndexPageEntries*archiveEntryRecordSize
	if end > len(idx.data) {
		end = len(idx.data)
	}

	for off := start; off < end; off += archiveEntryRecordSize {
		var key casctypes.EKeyTrunc
		copy(key[:], idx.data[off:off+casctypes.EKeyTruncSize])
		cmp := bytes.Compare(key[:], ekey[:])
		if cmp == 0 {
			rec := idx.data[off+casctypes.EKeyTruncSize:]
			return ArchiveEntry{
				ArchiveOffset: binary.BigEndian.Uint32(rec[0:4]),
				Size:          binary.BigEndian.Uint32(rec[4:8]),
			}, true
		}
		if cmp > 0 {
			break
		}
	}
	return ArchiveEntry{}, false
}

// Count returns the number of entries in the index.
func (idx *ArchiveIndex) Count() int {
	return len(idx.data) / archiveEntryRecordSize
}

// ArchiveIndexBuilder assembles a sorted archive-index blob, used both
// to produce test fixtures and as a reusable building block should a
// writer path ever need to publish its own archive index.
type ArchiveIndexBuilder struct {
	records map[casctypes.EKeyTrunc]ArchiveEntry
}

// NewArchiveIndexBuilder constructs an empty builder.
func NewArchiveIndexBuilder() *ArchiveIndexBuilder {
	return &ArchiveIndexBuilder{records: make(map[casctypes.EKeyTrunc]ArchiveEntry)}
}

// Add records ekey's location within the archive blob.
func (b *ArchiveIndexBuilder) Add(ekey casctypes.EKeyTrunc, offset, size uint32) {
	b.records[ekey] = ArchiveEntry{ArchiveOffset: offset, Size: size}
}

// Build serialises the accumulated records sorted by EKey ascending.
//
// The assembly buffer is borrowed from bytebufferpool rather than
// allocated fresh, since archive indexes are rebuilt repeatedly in
// compaction/test-fixture loops; the returned slice is a fresh copy so
// the pooled buffer can be reclaimed immediately.
func (b *ArchiveIndexBuilder) Build() []byte {
	keys := make([]casctypes.EKeyTrunc, 0, len(b.records))
	for k := range b.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	var tmp [4]byte
	for _, k := range keys {
		e := b.records[k]
		bb.Write(k[:])
		binary.BigEndian.PutUint32(tmp[:], e.ArchiveOffset)
		bb.Write(tmp[:])
		binary.BigEndian.PutUint32(tmp[:], e.Size)
		bb.Write(tmp[:])
	}

	out := make([]byte, bb.Len())
	copy(out, bb.Bytes())
	return out
}
