package blte

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

// EncodeOptions configures a single BLTE chunk's compression.
type EncodeOptions struct {
	Mode  Mode
	Level int // zlib level as the spec's level-mapping table describes; used by mode Z and by mode F's inner chunk, ignored for other modes
}

// zlibLevel maps the spec's 0-9 level knob to Go's zlib levels: 0→none,
// 1→fast, 2-8→numeric, 9→best, default 6.
func zlibLevel(level int) int {
	switch level {
	case 0:
		return zlib.NoCompression
	case 1:
		return zlib.BestSpeed
	case 9:
		return zlib.BestCompression
	case 2, 3, 4, 5, 6, 7, 8:
		return level
	default:
		return 6
	}
}

// Encode builds a single-chunk BLTE buffer (header size 0) around
// plaintext, compressed per opts.
func Encode(plaintext []byte, opts EncodeOptions) ([]byte, error) {
	body, err := encodeChunkBody(plaintext, opts)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Write(magic[:])
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 0)
	out.Write(hdr[:])
	out.Write(body)
	return out.Bytes(), nil
}

// EncodeMulti splits plaintext into chunkSize-sized pieces, encodes each per
// opts, and frames them with the chunk table.
func EncodeMulti(plaintext []byte, chunkSize int, opts EncodeOptions) ([]byte, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("blte: chunk size must be positive")
	}
	var chunks [][]byte
	for off := 0; off < len(plaintext); off += chunkSize {
		end := off + chunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		body, err := encodeChunkBody(plaintext[off:end], opts)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, body)
	}
	if len(chunks) == 0 {
		// Degenerate empty input still yields one empty chunk.
		body, err := encodeChunkBody(nil, opts)
		if err != nil {
			return nil, err
		}
		chunks = [][]byte{body}
	}

	tableLen := len(chunks) * chunkTableEntrySize
	headerSize := 4 + tableLen

	var out bytes.Buffer
	out.Write(magic[:])
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(headerSize))
	out.Write(hdr[:])
	out.WriteByte(chunkFlagsExpected)

	count := len(chunks)
	out.WriteByte(byte(count >> 16))
	out.WriteByte(byte(count >> 8))
	out.WriteByte(byte(count))

	off := 0
	for _, body := range chunks {
		decompressedLen := 0
		if off < len(plaintext) {
			end := off + chunkSize
			if end > len(plaintext) {
				end = len(plaintext)
			}
			decompressedLen = end - off
			off = end
		}
		sum := md5.Sum(body)
		var entry [chunkTableEntrySize]byte
		binary.BigEndian.PutUint32(entry[0:4], uint32(len(body)))
		binary.BigEndian.PutUint32(entry[4:8], uint32(decompressedLen))
		copy(entry[8:24], sum[:])
		out.Write(entry[:])
	}
	for _, body := range chunks {
		out.Write(body)
	}
	return out.Bytes(), nil
}

// lz4LiteralBlock hand-encodes src as a single-sequence LZ4 block containing
// only literals and no match, which the format permits for a block's final
// (here, only) sequence. Used when the library reports the input as
// incompressible, so the chunk body still decodes through the normal
// UncompressBlock path.
func lz4LiteralBlock(src []byte) []byte {
	var out bytes.Buffer
	lit := len(src)
	if lit < 15 {
		out.WriteByte(byte(lit << 4))
	} else {
		out.WriteByte(0xF0)
		lit -= 15
		for lit >= 255 {
			out.WriteByte(255)
			lit -= 255
		}
		out.WriteByte(byte(lit))
	}
	out.Write(src)
	return out.Bytes()
}

func encodeChunkBody(plaintext []byte, opts EncodeOptions) ([]byte, error) {
	var buf bytes.Buffer
	switch opts.Mode {
	case ModeNone, 0:
		buf.WriteByte(byte(ModeNone))
		buf.Write(plaintext)
		return buf.Bytes(), nil

	case ModeZlib:
		buf.WriteByte(byte(ModeZlib))
		w, err := zlib.NewWriterLevel(&buf, zlibLevel(opts.Level))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(plaintext); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case ModeLZ4:
		buf.WriteByte(byte(ModeLZ4))
		block := make([]byte, lz4.CompressBlockBound(len(plaintext)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(plaintext, block)
		if err != nil {
			return nil, err
		}
		var compressed []byte
		if n == 0 && len(plaintext) > 0 {
			// Incompressible input: the library signals this with n==0
			// rather than emitting an expanded block, so encode a
			// hand-rolled single-sequence literal-only LZ4 block (valid
			// per the format: the final sequence of a block may carry no
			// match) instead of storing raw, non-LZ4 bytes.
			compressed = lz4LiteralBlock(plaintext)
		} else {
			compressed = block[:n]
		}
		var framed [8]byte
		binary.LittleEndian.PutUint32(framed[0:4], uint32(len(plaintext)))
		binary.LittleEndian.PutUint32(framed[4:8], uint32(len(compressed)))
		buf.Write(framed[:])
		buf.Write(compressed)
		return buf.Bytes(), nil

	case ModeFrame:
		child, err := Encode(plaintext, EncodeOptions{Mode: ModeZlib, Level: opts.Level})
		if err != nil {
			return nil, err
		}
		buf.WriteByte(byte(ModeFrame))
		buf.Write(child)
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("blte: cannot encode mode %c", byte(opts.Mode))
	}
}

