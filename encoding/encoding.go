// Package encoding parses the TACT Encoding file's CKey->EKey paged
// table.
//
// Grounded on compactindexsized/query.go's DB.Lookup/Bucket.Lookup shape:
// an in-memory page-index summary (here, first_key_md5 per page) is
// binary-searched to locate the candidate page, then that page's entries
// are linear-scanned, the same two-step "find container, then scan
// container" pattern compactindexsized uses for its buckets.
package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/wowserhq/cascore/casctypes"
)

// Entry is one CKey's encoding-table record: its size plus the set of
// encoding keys it maps to (multiple EKeys per CKey are permitted;
// callers resolve to the first by policy).
type Entry struct {
	Size          uint64
	EncodingKeys  []casctypes.EKey
}

// pageIndexEntry mirrors the on-disk {page_size u32 BE, first_key_md5
// [16]u8} summary record.
type pageIndexEntry struct {
	pageSize   uint32
	firstKey   casctypes.CKey
	pageOffset int
}

// Table is a parsed TACT Encoding CKey table.
type Table struct {
	data  []byte
	pages []pageIndexEntry
}

const pageIndexEntrySize = 4 + casctypes.CKeySize

// Parse decodes the CKey table half of an Encoding file. data must begin
// at the start of the page index (callers are expected to have already
// stripped the Encoding file's outer ESpec-table header; the CKey and
// EKey tables are two parallel paged tables and this parses one of them).
func Parse(data []byte, pageIndexCount int) (*Table, error) {
	if pageIndexCount*pageIndexEntrySize > len(data) {
		return nil, fmt.Errorf("encoding: %w: page index exceeds buffer", casctypes.ErrInvalidFormat)
	}

	t := &Table{data: data, pages: make([]pageIndexEntry, pageIndexCount)}
	pageOffset := pageIndexCount * pageIndexEntrySize
	for i := 0; i < pageIndexCount; i++ {
		off := i * pageIndexEntrySize
		size := binary.BigEndian.Uint32(data[off : off+4])
		var firstKey casctypes.CKey
		copy(firstKey[:], data[off+4:off+4+casctypes.CKeySize])
		t.pages[i] = pageIndexEntry{pageSize: size, firstKey: firstKey, pageOffset: pageOffset}
		pageOffset += int(size)
	}
	return t, nil
}

// CKeyCount returns the number of CKey records across all pages, by
// scanning each page's entry headers. This is O(n) in the number of
// records, since per-page entries are variable-width (key_count varies
// the encoding-key array length).
func (t *Table) CKeyCount() int {
	count := 0
	for _, p := range t.pages {
		count += t.countPageEntries(p)
	}
	return count
}

func (t *Table) countPageEntries(p pageIndexEntry) int {
	off := p.pageOffset
	end := p.pageOffset + int(p.pageSize)
	count := 0
	for off < end {
		if off+1 > len(t.data) {
			break
		}
		keyCount := int(t.data[off])
		if keyCount == 0 {
			break
		}
		entrySize := 1 + 5 + casctypes.CKeySize + keyCount*casctypes.EKeySize
		off += entrySize
		count++
	}
	return count
}

// LookupByCKey finds ckey's encoding entry by binary-searching the page
// index for the page whose first_key <= ckey < next page's first_key,
// then linear-scanning that page.
func (t *Table) LookupByCKey(ckey casctypes.CKey) (Entry, bool) {
	if len(t.pages) == 0 {
		return Entry{}, false
	}

	i := sort.Search(len(t.pages), func(i int) bool {
		return bytes.Compare(t.pages[i].firstKey[:], ckey[:]) > 0
	})
	// i is the first page whose first_key is greater than ckey; the
	// candidate page is the one before it.
	if i == 0 {
		return Entry{}, false
	}
	page := t.pages[i-1]

	off := page.pageOffset
	end := page.pageOffset + int(page.pageSize)
	for off < end {
		if off+1 > len(t.data) {
			break
		}
		keyCount := int(t.data[off])
		if keyCount == 0 {
			break
		}
		sizeBuf := make([]byte, 8)
		copy(sizeBuf[3:8], t.data[off+1:off+6]) // size is a 40-bit (5-byte) BE integer
		size := binary.BigEndian.Uint64(sizeBuf)

		entryCKeyOff := off + 6
		entryCKey := t.data[entryCKeyOff : entryCKeyOff+casctypes.CKeySize]
		ekeysOff := entryCKeyOff + casctypes.CKeySize
		entrySize := 6 + casctypes.CKeySize + keyCount*casctypes.EKeySize

		if bytes.Equal(entryCKey, ckey[:]) {
			ekeys := make([]casctypes.EKey, keyCount)
			for k := 0; k < keyCount; k++ {
				copy(ekeys[k][:], t.data[ekeysOff+k*casctypes.EKeySize:ekeysOff+(k+1)*casctypes.EKeySize])
			}
			return Entry{Size: size, EncodingKeys: ekeys}, true
		}

		off += entrySize
	}
	return Entry{}, false
}
