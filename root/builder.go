package root

import (
	"encoding/binary"
	"sort"

	"github.com/wowserhq/cascore/cascrypto"
	"github.com/wowserhq/cascore/casctypes"
)

// Builder assembles a Root file's byte representation incrementally,
// grouping added records by (locale, content) flag pair into blocks the
// way a real TACT Root groups per-variant records together for delta
// encoding, per original_source's root/builder.rs.
type Builder struct {
	version Version
	blocks  map[blockKey]*blockBuilder
}

type blockKey struct {
	locale  casctypes.LocaleFlags
	content casctypes.ContentFlags
}

type blockBuilder struct {
	locale  casctypes.LocaleFlags
	content casctypes.ContentFlags
	records []builderRecord
}

type builderRecord struct {
	fdid        casctypes.FileDataID
	ckey        casctypes.CKey
	nameHash    uint64
	hasNameHash bool
}

// NewBuilder starts a Root builder targeting version.
func NewBuilder(version Version) *Builder {
	return &Builder{version: version, blocks: make(map[blockKey]*blockBuilder)}
}

// AddFile records fdid/ckey under the given locale/content variant,
// computing the name hash from path if provided.
func (b *Builder) AddFile(fdid casctypes.FileDataID, ckey casctypes.CKey, path string, locale casctypes.LocaleFlags, content casctypes.ContentFlags) {
	rec := builderRecord{fdid: fdid, ckey: ckey}
	if path != "" {
		rec.nameHash = cascrypto.NameHash(path)
		rec.hasNameHash = true
	}
	b.addRecord(rec, locale, content)
}

// AddFileWithHash records fdid/ckey with an explicit precomputed name
// hash, skipping path normalisation.
func (b *Builder) AddFileWithHash(fdid casctypes.FileDataID, ckey casctypes.CKey, nameHash uint64, hasNameHash bool, locale casctypes.LocaleFlags, content casctypes.ContentFlags) {
	b.addRecord(builderRecord{fdid: fdid, ckey: ckey, nameHash: nameHash, hasNameHash: hasNameHash}, locale, content)
}

func (b *Builder) addRecord(rec builderRecord, locale casctypes.LocaleFlags, content casctypes.ContentFlags) {
	key := blockKey{locale: locale, content: content}
	blk, ok := b.blocks[key]
	if !ok {
		blk = &blockBuilder{locale: locale, content: content}
		b.blocks[key] = blk
	}
	blk.records = append(blk.records, rec)
}

// Build serializes every block into a V2+ ("TSFM"-prefixed) Root file.
// Blocks are emitted in a stable order (sorted by locale then content
// flags) and each block's records are sorted by FileDataID ascending so
// the delta encoding stays small, matching root/builder.rs's
// sort-before-encode step.
func (b *Builder) Build() []byte {
	keys := make([]blockKey, 0, len(b.blocks))
	for k := range b.blocks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].locale != keys[j].locale {
			return keys[i].locale < keys[j].locale
		}
		return keys[i].content < keys[j].content
	})

	var out []byte
	var header [16]byte
	copy(header[0:4], magic[:4])
	binary.LittleEndian.PutUint32(header[4:8], 2) // version
	out = append(out, header[:]...)

	for _, k := range keys {
		blk := b.blocks[k]
		sort.Slice(blk.records, func(i, j int) bool { return blk.records[i].fdid < blk.records[j].fdid })
		out = append(out, blk.marshal()...)
	}
	return out
}

func (blk *blockBuilder) marshal() []byte {
	n := len(blk.records)
	var blockHeader [12]byte
	binary.LittleEndian.PutUint32(blockHeader[0:4], uint32(n))
	binary.LittleEndian.PutUint32(blockHeader[4:8], uint32(blk.content))
	binary.LittleEndian.PutUint32(blockHeader[8:12], uint32(blk.locale))

	out := make([]byte, 0, 12+n*(4+casctypes.CKeySize+8))
	out = append(out, blockHeader[:]...)

	var prev int64 = -1
	for _, r := range blk.records {
		delta := int32(int64(r.fdid) - prev - 1)
		prev = int64(r.fdid)
		var deltaBuf [4]byte
		binary.LittleEndian.PutUint32(deltaBuf[:], uint32(delta))
		out = append(out, deltaBuf[:]...)
	}
	for _, r := range blk.records {
		out = append(out, r.ckey[:]...)
	}

	// Every block carries one name hash per record (0 for a record added
	// without a path): Parse reads a hash section for every block of a
	// TSFM file, so a block without one would misalign the next block.
	for _, r := range blk.records {
		var hashBuf [8]byte
		binary.LittleEndian.PutUint64(hashBuf[:], r.nameHash)
		out = append(out, hashBuf[:]...)
	}

	return out
}
