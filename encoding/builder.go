package encoding

import (
	"encoding/binary"
	"sort"

	"github.com/wowserhq/cascore/casctypes"
)

type builderRecord struct {
	ckey         casctypes.CKey
	size         uint64
	encodingKeys []casctypes.EKey
}

// Builder assembles a Table's on-disk byte representation one CKey
// record at a time, grouping records into fixed-size pages the way
// compactindexsized's Builder groups entries into buckets before
// flushing, grounded on compactindexsized/build.go.
type Builder struct {
	maxPageBytes int
	records      []builderRecord
}

// defaultMaxPageBytes caps each emitted page so Parse's page-index
// binary search has a meaningful number of pages to search over, rather
// than degenerating to a single page.
const defaultMaxPageBytes = 4096

// NewBuilder starts an Encoding CKey-table builder.
func NewBuilder() *Builder {
	return &Builder{maxPageBytes: defaultMaxPageBytes}
}

// Add records ckey's size and encoding keys.
func (b *Builder) Add(ckey casctypes.CKey, size uint64, encodingKeys []casctypes.EKey) {
	b.records = append(b.records, builderRecord{ckey: ckey, size: size, encodingKeys: encodingKeys})
}

// Build serializes the page index followed by the page bodies, in the
// layout Parse expects. Returns the bytes and the page index count Parse
// needs to be told separately (TACT's outer Encoding-file header carries
// this elsewhere; this package only owns the CKey table itself).
func (b *Builder) Build() (data []byte, pageIndexCount int) {
	sorted := make([]builderRecord, len(b.records))
	copy(sorted, b.records)
	sort.Slice(sorted, func(i, j int) bool {
		for k := range sorted[i].ckey {
			if sorted[i].ckey[k] != sorted[j].ckey[k] {
				return sorted[i].ckey[k] < sorted[j].ckey[k]
			}
		}
		return false
	})

	var pages [][]byte
	var cur []byte
	for _, r := range sorted {
		entry := marshalRecord(r)
		if len(cur)+len(entry) > b.maxPageBytes && len(cur) > 0 {
			pages = append(pages, cur)
			cur = nil
		}
		cur = append(cur, entry...)
	}
	if len(cur) > 0 {
		pages = append(pages, cur)
	}

	pageIndexCount = len(pages)
	indexSize := pageIndexCount * pageIndexEntrySize
	out := make([]byte, indexSize)
	bodyOffset := 0
	for i, p := range pages {
		off := i * pageIndexEntrySize
		binary.BigEndian.PutUint32(out[off:off+4], uint32(len(p)))
		firstKey := firstCKeyInPage(sorted, bodyOffset, len(p))
		copy(out[off+4:off+4+casctypes.CKeySize], firstKey[:])
		bodyOffset += len(p)
	}
	for _, p := range pages {
		out = append(out, p...)
	}
	return out, pageIndexCount
}

func firstCKeyInPage(sorted []builderRecord, bodyOffset, pageLen int) casctypes.CKey {
	consumed := 0
	for _, r := range sorted {
		entry := marshalRecord(r)
		if consumed == bodyOffset {
			return r.ckey
		}
		consumed += len(entry)
	}
	return casctypes.CKey{}
}

func marshalRecord(r builderRecord) []byte {
	out := make([]byte, 0, 6+casctypes.CKeySize+len(r.encodingKeys)*casctypes.EKeySize)
	out = append(out, byte(len(r.encodingKeys)))
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], r.size)
	out = append(out, sizeBuf[3:8]...) // 40-bit BE size
	out = append(out, r.ckey[:]...)
	for _, ek := range r.encodingKeys {
		out = append(out, ek[:]...)
	}
	return out
}
