// Package archive manages the on-disk `.data.NNN` archive files that hold
// framed BLTE content: opening the set of archives in a data directory,
// appending new content to the current (thawed) archive, and reading
// framed content back out by archive id and offset. Grounded on
// store/primary/gsfaprimary/gsfaprimary.go's file-rotation and
// buffered-write idiom.
package archive

import (
	"encoding/binary"

	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/cascrypto"
)

// FrameSize is the fixed width of a local archive frame header.
const FrameSize = 30

// Frame is the 30-byte header preceding a BLTE payload in a local archive.
type Frame struct {
	EKey         casctypes.EKey // stored on disk byte-reversed
	TotalSize    uint32         // header + BLTE payload, little-endian on disk
	Flags        uint16
	ChecksumA    uint32
	ChecksumB    uint32
}

// Marshal writes the frame header in its on-disk byte-reversed-EKey form.
func (f Frame) Marshal() [FrameSize]byte {
	var out [FrameSize]byte
	for i := 0; i < casctypes.EKeySize; i++ {
		out[i] = f.EKey[casctypes.EKeySize-1-i]
	}
	binary.LittleEndian.PutUint32(out[16:20], f.TotalSize)
	binary.LittleEndian.PutUint16(out[20:22], f.Flags)
	binary.LittleEndian.PutUint32(out[22:26], f.ChecksumA)
	binary.LittleEndian.PutUint32(out[26:30], f.ChecksumB)
	return out
}

// UnmarshalFrame parses a 30-byte local archive frame header.
func UnmarshalFrame(b []byte) (Frame, error) {
	if len(b) < FrameSize {
		return Frame{}, casctypes.ErrTruncatedInput
	}
	var f Frame
	for i := 0; i < casctypes.EKeySize; i++ {
		f.EKey[i] = b[casctypes.EKeySize-1-i]
	}
	f.TotalSize = binary.LittleEndian.Uint32(b[16:20])
	f.Flags = binary.LittleEndian.Uint16(b[20:22])
	f.ChecksumA = binary.LittleEndian.Uint32(b[22:26])
	f.ChecksumB = binary.LittleEndian.Uint32(b[26:30])
	return f, nil
}

// computeChecksums derives a deterministic pair of 32-bit hashes over the
// header-without-checksums and body. The exact historical checksum
// definition varies by product, so this implementation emits a
// deterministic Jenkins hashlittle-derived value and treats mismatches as
// loggable, not fatal (see container.Options.StrictChecksums).
func computeChecksums(headerNoChecksums []byte, body []byte) (a, b uint32) {
	a = cascrypto.HashLittle(headerNoChecksums, 0)
	b = cascrypto.HashLittle(body, a)
	return a, b
}
