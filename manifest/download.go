// Package manifest implements the read path for TACT download and
// install manifests: header + tag-bitmap + file-entry parsing, priority
// classification, and tag-based filtering used to plan what to fetch
// before and during play.
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	logging "github.com/ipfs/go-log/v2"
	"github.com/wowserhq/cascore/casctypes"
)

var log = logging.Logger("manifest")

var downloadMagic = [2]byte{'D', 'L'}

// DownloadHeader is the version-aware fixed preamble of a download
// manifest.
type DownloadHeader struct {
	Version      uint8
	KeyLength    uint8
	ChecksumSize uint8
	HasChecksum  bool
	EntryCount   uint32
	TagCount     uint16
	FlagSize     uint8 // version 2+
	BasePriority int8  // version 3+
}

func (h DownloadHeader) entrySize() int {
	size := int(h.KeyLength) + 5 + 1 // encoding key + 40-bit size + priority
	if h.HasChecksum {
		size += int(h.ChecksumSize)
	}
	size += int(h.FlagSize)
	return size
}

// DownloadFileEntry is one file listed in a download manifest.
type DownloadFileEntry struct {
	EKey     casctypes.EKey
	FileSize uint64 // 40-bit on the wire
	Priority int8
	Checksum uint32
	HasChecksum bool
	Flags    []byte
	TagBits  []byte // one bit per tag this entry belongs to, MSB first per tag's bitmap
}

// EffectivePriority applies the version-3+ base-priority adjustment.
func (e DownloadFileEntry) EffectivePriority(h DownloadHeader) int8 {
	if h.Version < 3 {
		return e.Priority
	}
	adjusted := int(e.Priority) - int(h.BasePriority)
	if adjusted > math.MaxInt8 {
		return math.MaxInt8
	}
	if adjusted < math.MinInt8 {
		return math.MinInt8
	}
	return int8(adjusted)
}

// PriorityCategory classifies an entry's effective priority into one of
// five download-planning buckets.
type PriorityCategory int

const (
	Critical PriorityCategory = iota
	Essential
	High
	Normal
	Low
)

// CategoryFromPriority buckets a signed priority value the same way the
// original download-manifest priority system does: negative is
// Critical, 0 is Essential, 1-2 is High, 3-5 is Normal, everything above
// is Low.
func CategoryFromPriority(priority int8) PriorityCategory {
	switch {
	case priority < 0:
		return Critical
	case priority == 0:
		return Essential
	case priority <= 2:
		return High
	case priority <= 5:
		return Normal
	default:
		return Low
	}
}

func (c PriorityCategory) String() string {
	switch c {
	case Critical:
		return "critical"
	case Essential:
		return "essential"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// DownloadWeight orders categories for display and sorting; lower sorts
// first (higher priority).
func (c PriorityCategory) DownloadWeight() uint8 {
	switch c {
	case Critical:
		return 1
	case Essential:
		return 2
	case High:
		return 3
	case Normal:
		return 4
	default:
		return 5
	}
}

// BlocksLaunch reports whether content in this category must be present
// before the game can start.
func (c PriorityCategory) BlocksLaunch() bool {
	return c == Critical || c == Essential
}

// SupportsStreaming reports whether content in this category may
// continue downloading while the game is running.
func (c PriorityCategory) SupportsStreaming() bool {
	return c == Normal || c == Low
}

// DownloadTag is a named subset of the manifest's entries, recorded as
// a bitmap with one bit per entry (MSB-first within each byte).
type DownloadTag struct {
	Name string
	Type uint16
	Bits []byte
}

// includes reports whether entry index i is set in the tag's bitmap.
func (t DownloadTag) includes(i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(t.Bits) {
		return false
	}
	bit := byte(0x80 >> uint(i%8))
	return t.Bits[byteIdx]&bit != 0
}

// DownloadManifest is a fully parsed download manifest: header, entries,
// and the tags partitioning them.
type DownloadManifest struct {
	Header  DownloadHeader
	Entries []DownloadFileEntry
	Tags    []DownloadTag
}

// ParseDownloadManifest decodes a download manifest from data.
//
// Layout follows the version-specific ordering: version 1 is
// header/entries/tags, version 2+ is header/tags/entries.
func ParseDownloadManifest(data []byte) (*DownloadManifest, error) {
	r := bytes.NewReader(data)

	header, err := readDownloadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &DownloadManifest{Header: header}

	if header.Version == 1 {
		if err := m.readEntries(r); err != nil {
			return nil, err
		}
		if err := m.readTags(r); err != nil {
			return nil, err
		}
	} else {
		if err := m.readTags(r); err != nil {
			return nil, err
		}
		if err := m.readEntries(r); err != nil {
			return nil, err
		}
	}
	m.stampTagBits()

	log.Debugw("parsed download manifest", "version", header.Version, "entries", len(m.Entries), "tags", len(m.Tags))
	return m, nil
}

func readDownloadHeader(r *bytes.Reader) (DownloadHeader, error) {
	var magic [2]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return DownloadHeader{}, fmt.Errorf("manifest: reading download magic: %w", casctypes.ErrInvalidFormat)
	}
	if magic != downloadMagic {
		return DownloadHeader{}, fmt.Errorf("manifest: bad download magic: %w", casctypes.ErrInvalidFormat)
	}

	version, err := r.ReadByte()
	if err != nil {
		return DownloadHeader{}, err
	}
	keyLength, err := r.ReadByte()
	if err != nil {
		return DownloadHeader{}, err
	}
	checksumSize, err := r.ReadByte()
	if err != nil {
		return DownloadHeader{}, err
	}
	hasChecksumByte, err := r.ReadByte()
	if err != nil {
		return DownloadHeader{}, err
	}

	var entryCount uint32
	if err := binary.Read(r, binary.BigEndian, &entryCount); err != nil {
		return DownloadHeader{}, err
	}
	var tagCount uint16
	if err := binary.Read(r, binary.BigEndian, &tagCount); err != nil {
		return DownloadHeader{}, err
	}

	h := DownloadHeader{
		Version:      version,
		KeyLength:    keyLength,
		ChecksumSize: checksumSize,
		HasChecksum:  hasChecksumByte != 0,
		EntryCount:   entryCount,
		TagCount:     tagCount,
	}

	if version >= 2 {
		flagSize, err := r.ReadByte()
		if err != nil {
			return DownloadHeader{}, err
		}
		h.FlagSize = flagSize
	}
	if version >= 3 {
		basePriority, err := r.ReadByte()
		if err != nil {
			return DownloadHeader{}, err
		}
		h.BasePriority = int8(basePriority)
	}

	return h, nil
}

func (m *DownloadManifest) readEntries(r *bytes.Reader) error {
	h := m.Header
	entrySize := h.entrySize()
	buf := make([]byte, entrySize)

	m.Entries = make([]DownloadFileEntry, 0, h.EntryCount)
	for i := uint32(0); i < h.EntryCount; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("manifest: reading download entry %d: %w", i, err)
		}

		var entry DownloadFileEntry
		off := 0
		keyLen := int(h.KeyLength)
		if keyLen > casctypes.EKeySize {
			keyLen = casctypes.EKeySize
		}
		copy(entry.EKey[:], buf[off:off+keyLen])
		off += int(h.KeyLength)

		entry.FileSize = decode40(buf[off : off+5])
		off += 5

		entry.Priority = int8(buf[off])
		off++

		if h.HasChecksum {
			entry.HasChecksum = true
			entry.Checksum = binary.BigEndian.Uint32(buf[off : off+4])
			off += int(h.ChecksumSize)
		}

		if h.FlagSize > 0 {
			entry.Flags = append([]byte(nil), buf[off:off+int(h.FlagSize)]...)
		}

		m.Entries = append(m.Entries, entry)
	}
	return nil
}

func (m *DownloadManifest) readTags(r *bytes.Reader) error {
	bitmapSize := (int(m.Header.EntryCount) + 7) / 8

	m.Tags = make([]DownloadTag, 0, m.Header.TagCount)
	for i := uint16(0); i < m.Header.TagCount; i++ {
		name, err := readCString(r)
		if err != nil {
			return fmt.Errorf("manifest: reading tag %d name: %w", i, err)
		}
		var tagType uint16
		if err := binary.Read(r, binary.BigEndian, &tagType); err != nil {
			return err
		}
		bits := make([]byte, bitmapSize)
		if _, err := io.ReadFull(r, bits); err != nil {
			return fmt.Errorf("manifest: reading tag %d bitmap: %w", i, err)
		}
		m.Tags = append(m.Tags, DownloadTag{Name: name, Type: tagType, Bits: bits})
	}
	return nil
}

// stampTagBits records, on every entry, which tags it belongs to: one bit
// per tag, MSB first, in tag order. Called once both m.Tags and m.Entries
// are populated, regardless of which the wire layout read first.
func (m *DownloadManifest) stampTagBits() {
	tagBitsSize := (len(m.Tags) + 7) / 8
	for i := range m.Entries {
		bits := make([]byte, tagBitsSize)
		for tagIdx, tag := range m.Tags {
			if tag.includes(i) {
				bits[tagIdx/8] |= 0x80 >> uint(tagIdx%8)
			}
		}
		m.Entries[i].TagBits = bits
	}
}

func decode40(b []byte) uint64 {
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])
}

func readCString(r *bytes.Reader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}

// EntriesByTag returns the entries belonging to the named tag, in
// manifest order, or nil if no tag has that name.
func (m *DownloadManifest) EntriesByTag(name string) []DownloadFileEntry {
	var tag *DownloadTag
	for i := range m.Tags {
		if m.Tags[i].Name == name {
			tag = &m.Tags[i]
			break
		}
	}
	if tag == nil {
		return nil
	}
	var out []DownloadFileEntry
	for i, e := range m.Entries {
		if tag.includes(i) {
			out = append(out, e)
		}
	}
	return out
}

// CategoryStats aggregates file count and size bounds for one priority
// category.
type CategoryStats struct {
	FileCount       int
	TotalSize       uint64
	MaxFileSize     uint64
	MinFileSize     uint64
	PercentOfFiles  float64
	PercentOfSize   float64
	AverageFileSize float64
}

// PriorityAnalysis aggregates per-category statistics across an entire
// download manifest.
type PriorityAnalysis struct {
	TotalFiles    int
	TotalSize     uint64
	EssentialSize uint64
	StreamableSize uint64
	Categories    map[PriorityCategory]*CategoryStats
}

// AnalyzePriorities classifies every entry in m and computes
// per-category statistics plus the essential/streamable split used for
// time-to-playable estimates.
func (m *DownloadManifest) AnalyzePriorities() PriorityAnalysis {
	a := PriorityAnalysis{Categories: make(map[PriorityCategory]*CategoryStats)}

	for _, e := range m.Entries {
		cat := CategoryFromPriority(e.EffectivePriority(m.Header))
		stats, ok := a.Categories[cat]
		if !ok {
			stats = &CategoryStats{MinFileSize: math.MaxUint64}
			a.Categories[cat] = stats
		}
		stats.FileCount++
		stats.TotalSize += e.FileSize
		if e.FileSize > stats.MaxFileSize {
			stats.MaxFileSize = e.FileSize
		}
		if e.FileSize < stats.MinFileSize {
			stats.MinFileSize = e.FileSize
		}

		a.TotalFiles++
		a.TotalSize += e.FileSize
		if cat.BlocksLaunch() {
			a.EssentialSize += e.FileSize
		} else if cat.SupportsStreaming() {
			a.StreamableSize += e.FileSize
		}
	}

	for _, stats := range a.Categories {
		if stats.FileCount == 0 {
			stats.MinFileSize = 0
			continue
		}
		stats.AverageFileSize = float64(stats.TotalSize) / float64(stats.FileCount)
		if a.TotalFiles > 0 {
			stats.PercentOfFiles = float64(stats.FileCount) / float64(a.TotalFiles) * 100
		}
		if a.TotalSize > 0 {
			stats.PercentOfSize = float64(stats.TotalSize) / float64(a.TotalSize) * 100
		}
	}
	return a
}

// EssentialPercentage returns the percentage (0-100) of total size that
// blocks launch.
func (a PriorityAnalysis) EssentialPercentage() float64 {
	if a.TotalSize == 0 {
		return 0
	}
	return float64(a.EssentialSize) / float64(a.TotalSize) * 100
}

// StreamablePercentage returns the percentage (0-100) of total size that
// may stream in after launch.
func (a PriorityAnalysis) StreamablePercentage() float64 {
	if a.TotalSize == 0 {
		return 0
	}
	return float64(a.StreamableSize) / float64(a.TotalSize) * 100
}

// TimeToPlayableSeconds estimates how long the essential-size content
// takes to download at the given speed.
func (a PriorityAnalysis) TimeToPlayableSeconds(downloadSpeedMbps float64) float64 {
	if downloadSpeedMbps <= 0 {
		return math.Inf(1)
	}
	essentialMB := float64(a.EssentialSize) / (1024 * 1024)
	return essentialMB / downloadSpeedMbps
}

// DownloadPlan is a priority-ordered subset of a manifest's entries
// selected for prefetch.
type DownloadPlan struct {
	Indices       []int
	TotalSize     uint64
	EssentialSize uint64
}

// EssentialOnly selects every entry whose effective priority is <= 0
// (Critical and Essential).
func (m *DownloadManifest) EssentialOnly() DownloadPlan {
	return m.planFilter(func(p int8) bool { return p <= 0 })
}

// CriticalOnly selects every entry whose effective priority is < 0.
func (m *DownloadManifest) CriticalOnly() DownloadPlan {
	return m.planFilter(func(p int8) bool { return p < 0 })
}

// ByCategories selects every entry whose category is in cats.
func (m *DownloadManifest) ByCategories(cats ...PriorityCategory) DownloadPlan {
	want := make(map[PriorityCategory]bool, len(cats))
	for _, c := range cats {
		want[c] = true
	}
	var plan DownloadPlan
	for i, e := range m.Entries {
		cat := CategoryFromPriority(e.EffectivePriority(m.Header))
		if !want[cat] {
			continue
		}
		plan.Indices = append(plan.Indices, i)
		plan.TotalSize += e.FileSize
		if cat.BlocksLaunch() {
			plan.EssentialSize += e.FileSize
		}
	}
	return plan
}

func (m *DownloadManifest) planFilter(keep func(int8) bool) DownloadPlan {
	var plan DownloadPlan
	for i, e := range m.Entries {
		p := e.EffectivePriority(m.Header)
		if !keep(p) {
			continue
		}
		plan.Indices = append(plan.Indices, i)
		plan.TotalSize += e.FileSize
		if CategoryFromPriority(p).BlocksLaunch() {
			plan.EssentialSize += e.FileSize
		}
	}
	return plan
}
