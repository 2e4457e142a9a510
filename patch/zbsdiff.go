// Package patch implements the ZBSDIFF1 binary patch format: a 32-byte
// header followed by three zlib-compressed sections (control, diff,
// extra).
package patch

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wowserhq/cascore/casctypes"
)

var signature = [8]byte{'Z', 'B', 'S', 'D', 'I', 'F', 'F', '1'}

// headerSize is the fixed 32-byte ZBSDIFF1 header: signature + three
// i64 LE section sizes.
const headerSize = 32

// maxSectionSize caps each header-declared section size at 1 GiB, guarding
// against a corrupt or hostile header driving an oversized allocation.
const maxSectionSize = 1 << 30

// Header is the fixed-size ZBSDIFF1 preamble.
type Header struct {
	ControlSize int64
	DiffSize    int64
	OutputSize  int64
}

func (h Header) validate() error {
	if h.ControlSize < 0 || h.ControlSize > maxSectionSize {
		return fmt.Errorf("patch: control size %d out of range: %w", h.ControlSize, casctypes.ErrInvalidFormat)
	}
	if h.DiffSize < 0 || h.DiffSize > maxSectionSize {
		return fmt.Errorf("patch: diff size %d out of range: %w", h.DiffSize, casctypes.ErrInvalidFormat)
	}
	if h.OutputSize < 0 || h.OutputSize > maxSectionSize {
		return fmt.Errorf("patch: output size %d out of range: %w", h.OutputSize, casctypes.ErrInvalidFormat)
	}
	return nil
}

// controlEntry is one (add_len, extra_len, seek) triple from the control
// section.
type controlEntry struct {
	addLen   int64
	extraLen int64
	seek     int64
}

// ParseHeader reads and validates the 32-byte header at the start of
// data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, fmt.Errorf("patch: truncated header: %w", casctypes.ErrInvalidFormat)
	}
	if !bytes.Equal(data[:8], signature[:]) {
		return Header{}, fmt.Errorf("patch: bad signature: %w", casctypes.ErrInvalidFormat)
	}
	h := Header{
		ControlSize: int64(binary.LittleEndian.Uint64(data[8:16])),
		DiffSize:    int64(binary.LittleEndian.Uint64(data[16:24])),
		OutputSize:  int64(binary.LittleEndian.Uint64(data[24:32])),
	}
	if err := h.validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Apply reconstructs new data by playing patch's control stream back
// against source (the old data).
func Apply(source, patchData []byte) ([]byte, error) {
	header, err := ParseHeader(patchData)
	if err != nil {
		return nil, err
	}

	off := int64(headerSize)
	if off+header.ControlSize > int64(len(patchData)) {
		return nil, fmt.Errorf("patch: truncated control section: %w", casctypes.ErrInvalidFormat)
	}
	controlRaw := patchData[off : off+header.ControlSize]
	off += header.ControlSize

	if off+header.DiffSize > int64(len(patchData)) {
		return nil, fmt.Errorf("patch: truncated diff section: %w", casctypes.ErrInvalidFormat)
	}
	diffRaw := patchData[off : off+header.DiffSize]
	off += header.DiffSize

	extraRaw := patchData[off:]

	control, err := decompress(controlRaw)
	if err != nil {
		return nil, fmt.Errorf("patch: decompressing control section: %w", err)
	}
	diff, err := decompress(diffRaw)
	if err != nil {
		return nil, fmt.Errorf("patch: decompressing diff section: %w", err)
	}
	extra, err := decompress(extraRaw)
	if err != nil {
		return nil, fmt.Errorf("patch: decompressing extra section: %w", err)
	}

	entries, err := parseControlEntries(control)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, header.OutputSize)
	var srcPos, diffPos, extraPos int64

	for _, e := range entries {
		if e.addLen > 0 {
			if diffPos+e.addLen > int64(len(diff)) {
				return nil, fmt.Errorf("patch: diff section exhausted: %w", casctypes.ErrInvalidFormat)
			}
			chunk := make([]byte, e.addLen)
			for i := int64(0); i < e.addLen; i++ {
				var srcByte byte
				if srcPos+i >= 0 && srcPos+i < int64(len(source)) {
					srcByte = source[srcPos+i]
				}
				chunk[i] = diff[diffPos+i] + srcByte
			}
			out = append(out, chunk...)
			diffPos += e.addLen
			srcPos += e.addLen
		}

		if e.extraLen > 0 {
			if extraPos+e.extraLen > int64(len(extra)) {
				return nil, fmt.Errorf("patch: extra section exhausted: %w", casctypes.ErrInvalidFormat)
			}
			out = append(out, extra[extraPos:extraPos+e.extraLen]...)
			extraPos += e.extraLen
		}

		srcPos += e.seek
	}

	if int64(len(out)) != header.OutputSize {
		return nil, fmt.Errorf("patch: output size mismatch: got %d want %d: %w", len(out), header.OutputSize, casctypes.ErrInvalidFormat)
	}
	return out, nil
}

func decompress(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// parseControlEntries decodes a flat sequence of (add_len, extra_len,
// seek) i64 LE triples.
func parseControlEntries(control []byte) ([]controlEntry, error) {
	const tripleSize = 24
	if len(control)%tripleSize != 0 {
		return nil, fmt.Errorf("patch: control section not a multiple of %d bytes: %w", tripleSize, casctypes.ErrInvalidFormat)
	}
	entries := make([]controlEntry, 0, len(control)/tripleSize)
	for i := 0; i < len(control); i += tripleSize {
		entries = append(entries, controlEntry{
			addLen:   int64(binary.LittleEndian.Uint64(control[i : i+8])),
			extraLen: int64(binary.LittleEndian.Uint64(control[i+8 : i+16])),
			seek:     int64(binary.LittleEndian.Uint64(control[i+16 : i+24])),
		})
	}
	return entries, nil
}
