// Package kmt implements the Key-Mapping Table: the sorted-section +
// append-only update-log index inside a CASC `.idx` file, per spec.md
// §4.4. It is an LSM-style index with a single static sorted layer and one
// append-only update layer; lookups scan the update layer newest-first
// before falling back to a binary search of the sorted layer.
//
// Grounded on store/index/index.go's header-versioning and tmp-file+rename
// flush idiom, generalized from bucket+GC semantics to sorted-section +
// update-log semantics.
package kmt

import (
	"encoding/binary"

	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/cascrypto"
)

// Status is the one-byte state of a KMT update record.
type Status byte

const (
	StatusNormal            Status = 0
	StatusDelete            Status = 3
	StatusHeaderNonResident Status = 6
	StatusDataNonResident   Status = 7
)

// UpdateRecordSize is the fixed width of one update-log record, per
// spec.md §3.
const UpdateRecordSize = 24

// hashGuardSeed is the seed lookup3 hashlittle is called with when
// deriving a record's hash_guard, per spec.md §3 ("hashlittle(bytes[4..23], 0)").
const hashGuardSeed = 0

// guardBit marks a valid hash_guard; it also guarantees an update record's
// first four bytes are never all-zero, which is what lets an all-zero page
// prefix terminate the update-section scan unambiguously.
const guardBit = 0x80000000

// UpdateRecord is one 24-byte entry in the KMT update log.
type UpdateRecord struct {
	HashGuard uint32
	EKey      casctypes.EKeyTrunc
	Locator   casctypes.ArchiveLocator
	Size      uint32
	Status    Status
}

// NewUpdateRecord builds a record with a correctly computed hash_guard.
func NewUpdateRecord(ekey casctypes.EKeyTrunc, locator casctypes.ArchiveLocator, size uint32, status Status) UpdateRecord {
	r := UpdateRecord{EKey: ekey, Locator: locator, Size: size, Status: status}
	r.HashGuard = computeHashGuard(r)
	return r
}

// Marshal writes the record in its exact 24-byte on-disk layout.
func (r UpdateRecord) Marshal() [UpdateRecordSize]byte {
	var out [UpdateRecordSize]byte
	binary.LittleEndian.PutUint32(out[0:4], r.HashGuard)
	copy(out[4:13], r.EKey[:])
	packed := r.Locator.Pack()
	copy(out[13:18], packed[:])
	binary.LittleEndian.PutUint32(out[18:22], r.Size)
	out[22] = byte(r.Status)
	out[23] = 0
	return out
}

// UnmarshalUpdateRecord parses a 24-byte buffer into an UpdateRecord
// without validating its hash_guard; call ValidateHashGuard separately.
func UnmarshalUpdateRecord(b []byte) UpdateRecord {
	var r UpdateRecord
	r.HashGuard = binary.LittleEndian.Uint32(b[0:4])
	copy(r.EKey[:], b[4:13])
	var packed [5]byte
	copy(packed[:], b[13:18])
	r.Locator = casctypes.UnpackArchiveLocator(packed)
	r.Size = binary.LittleEndian.Uint32(b[18:22])
	r.Status = Status(b[22])
	return r
}

// computeHashGuard derives hash_guard = hashlittle(bytes[4..23], 0) |
// 0x80000000, over the 19 bytes of the record that follow the hash_guard
// field itself.
func computeHashGuard(r UpdateRecord) uint32 {
	var buf [UpdateRecordSize]byte
	m := r.Marshal()
	copy(buf[:], m[:])
	payload := buf[4:23]
	return cascrypto.HashLittle(payload, hashGuardSeed) | guardBit
}

// ValidateHashGuard reports whether r's stored HashGuard matches the value
// computed from its other fields, per spec.md testable property 4.
func (r UpdateRecord) ValidateHashGuard() bool {
	return r.HashGuard == computeHashGuard(UpdateRecord{
		EKey:    r.EKey,
		Locator: r.Locator,
		Size:    r.Size,
		Status:  r.Status,
	})
}

// SortedRecordSize is the fixed width of one sorted-section record: a
// 9-byte EKey prefix + 5-byte packed archive locator + 4-byte encoded
// size, per spec.md §3 and §9 (fixed at 18 bytes for new implementations).
const SortedRecordSize = 18

// SortedRecord is one entry in the KMT's static sorted section.
type SortedRecord struct {
	EKey    casctypes.EKeyTrunc
	Locator casctypes.ArchiveLocator
	Size    uint32
}

// Marshal writes the record in its 18-byte on-disk layout.
func (r SortedRecord) Marshal() [SortedRecordSize]byte {
	var out [SortedRecordSize]byte
	copy(out[0:9], r.EKey[:])
	packed := r.Locator.Pack()
	copy(out[9:14], packed[:])
	binary.LittleEndian.PutUint32(out[14:18], r.Size)
	return out
}

// UnmarshalSortedRecord parses an 18-byte buffer into a SortedRecord.
func UnmarshalSortedRecord(b []byte) SortedRecord {
	var r SortedRecord
	copy(r.EKey[:], b[0:9])
	var packed [5]byte
	copy(packed[:], b[9:14])
	r.Locator = casctypes.UnpackArchiveLocator(packed)
	r.Size = binary.LittleEndian.Uint32(b[14:18])
	return r
}
