package patch

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
)

// maxDiffBlockSize caps the length of a single diff operation; a longer
// equal run is split across several consecutive diff operations.
const maxDiffBlockSize = 1024 * 1024

// Builder constructs a ZBSDIFF1 patch that transforms old into new.
//
// Build uses forward-only byte matching between old and new (no
// suffix-array search), trading patch size for simplicity; BuildSimple
// treats the entire new buffer as extra data, which is useful for
// zero-diff or tiny inputs.
type Builder struct {
	old, new []byte
}

// NewBuilder constructs a Builder for the given old/new byte buffers.
func NewBuilder(old, new []byte) *Builder {
	return &Builder{old: old, new: new}
}

// BuildSimple produces a patch with no diff operations: every byte of
// new is stored as extra data.
func (b *Builder) BuildSimple() ([]byte, error) {
	entries := []controlEntry{{addLen: 0, extraLen: int64(len(b.new)), seek: 0}}
	return b.assemble(entries, nil, b.new)
}

// Build produces a patch using forward-only chunked matching: runs of
// at least 4 matching bytes become diff operations, everything else
// becomes extra data.
func (b *Builder) Build() ([]byte, error) {
	var entries []controlEntry
	var diff, extra []byte

	oldPos, newPos := 0, 0
	for newPos < len(b.new) {
		chunk := b.matchingChunkSize(oldPos, newPos)
		if chunk >= 4 {
			for i := 0; i < chunk; i++ {
				var oldByte byte
				if oldPos+i < len(b.old) {
					oldByte = b.old[oldPos+i]
				}
				diff = append(diff, b.new[newPos+i]-oldByte)
			}
			entries = append(entries, controlEntry{addLen: int64(chunk)})
			oldPos += chunk
			newPos += chunk
			continue
		}

		extraChunk := len(b.new) - newPos
		if extraChunk > 256 {
			extraChunk = 256
		}
		extra = append(extra, b.new[newPos:newPos+extraChunk]...)
		// seek is relative and oldPos does not move here, so it stays 0.
		entries = append(entries, controlEntry{extraLen: int64(extraChunk), seek: 0})
		newPos += extraChunk
	}

	if len(entries) == 0 {
		return b.BuildSimple()
	}
	return b.assemble(entries, diff, extra)
}

func (b *Builder) matchingChunkSize(oldPos, newPos int) int {
	maxSize := maxDiffBlockSize
	if remOld := len(b.old) - oldPos; remOld < maxSize {
		maxSize = remOld
	}
	if remNew := len(b.new) - newPos; remNew < maxSize {
		maxSize = remNew
	}
	size := 0
	for size < maxSize && b.old[oldPos+size] == b.new[newPos+size] {
		size++
	}
	return size
}

func (b *Builder) assemble(entries []controlEntry, diff, extra []byte) ([]byte, error) {
	control := make([]byte, 0, len(entries)*24)
	for _, e := range entries {
		var buf [24]byte
		binary.LittleEndian.PutUint64(buf[0:8], uint64(e.addLen))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(e.extraLen))
		binary.LittleEndian.PutUint64(buf[16:24], uint64(e.seek))
		control = append(control, buf[:]...)
	}

	controlCompressed, err := compress(control)
	if err != nil {
		return nil, err
	}
	diffCompressed, err := compress(diff)
	if err != nil {
		return nil, err
	}
	extraCompressed, err := compress(extra)
	if err != nil {
		return nil, err
	}

	header := Header{
		ControlSize: int64(len(controlCompressed)),
		DiffSize:    int64(len(diffCompressed)),
		OutputSize:  int64(len(b.new)),
	}
	if err := header.validate(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerSize+len(controlCompressed)+len(diffCompressed)+len(extraCompressed))
	out = append(out, signature[:]...)
	var sizes [24]byte
	binary.LittleEndian.PutUint64(sizes[0:8], uint64(header.ControlSize))
	binary.LittleEndian.PutUint64(sizes[8:16], uint64(header.DiffSize))
	binary.LittleEndian.PutUint64(sizes[16:24], uint64(header.OutputSize))
	out = append(out, sizes[:]...)
	out = append(out, controlCompressed...)
	out = append(out, diffCompressed...)
	out = append(out, extraCompressed...)
	return out, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
