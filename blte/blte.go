// Package blte implements the BLTE chunked-container codec: parsing and
// emitting the magic/header/chunk-table framing, and per-chunk dispatch
// across modes {None, ZLib, LZ4, Frame, Encrypted}.
//
// The codec is pure: it performs no I/O and has no side effects beyond the
// byte buffers it returns.
package blte

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	logging "github.com/ipfs/go-log/v2"
	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/cascrypto"
)

var log = logging.Logger("blte")

// Mode is the first byte of a BLTE chunk, selecting the codec for its body.
type Mode byte

const (
	ModeNone      Mode = 'N'
	ModeZlib      Mode = 'Z'
	ModeLZ4       Mode = '4'
	ModeFrame     Mode = 'F'
	ModeEncrypted Mode = 'E'
)

var magic = [4]byte{'B', 'L', 'T', 'E'}

const (
	chunkFlagsExpected   = 0x0F
	chunkTableEntrySize  = 24 // compressed_size u32 BE + decompressed_size u32 BE + md5 [16]
	outerHeaderFixedSize = 8  // magic + header_size u32 BE
)

// ChunkInfo describes one entry of the chunk table.
type ChunkInfo struct {
	CompressedSize   uint32
	DecompressedSize uint32
	Checksum         [16]byte
}

// KeyStore resolves a mode-E key_name to its 16-byte decryption key.
type KeyStore interface {
	Key(keyName uint64) ([16]byte, bool)
}

// Decode parses a complete BLTE buffer and returns the concatenated
// plaintext of all chunks, recursively resolving mode F and mode E chunks.
// keys may be nil if no mode-E chunk is expected; a nil KeyStore when a
// mode-E chunk is encountered surfaces MissingKeyError.
func Decode(input []byte, keys KeyStore) ([]byte, error) {
	if len(input) < outerHeaderFixedSize {
		return nil, casctypes.ErrTruncatedInput
	}
	if !bytes.Equal(input[:4], magic[:]) {
		return nil, casctypes.ErrInvalidMagic
	}
	headerSize := binary.BigEndian.Uint32(input[4:8])

	if headerSize == 0 {
		// Single-chunk mode: byte 8 is the mode, the rest is the body.
		if len(input) < 9 {
			return nil, casctypes.ErrTruncatedInput
		}
		body := input[8:]
		return decodeChunkBody(Mode(body[0]), body[1:], 0, 0, keys)
	}

	if len(input) < outerHeaderFixedSize+4 {
		return nil, casctypes.ErrTruncatedInput
	}
	flags := input[8]
	if flags != chunkFlagsExpected {
		return nil, casctypes.ErrInvalidHeaderSize
	}
	count := uint32(input[9])<<16 | uint32(input[10])<<8 | uint32(input[11])
	if count == 0 {
		return nil, casctypes.ErrInvalidChunkCount
	}

	tableStart := outerHeaderFixedSize + 4
	tableLen := int(count) * chunkTableEntrySize
	expectedHeaderBytes := outerHeaderFixedSize + 4 + tableLen
	if expectedHeaderBytes != outerHeaderFixedSize+int(headerSize) {
		return nil, casctypes.ErrInvalidHeaderSize
	}
	if len(input) < tableStart+tableLen {
		return nil, casctypes.ErrTruncatedInput
	}

	chunks := make([]ChunkInfo, count)
	for i := uint32(0); i < count; i++ {
		off := tableStart + int(i)*chunkTableEntrySize
		var ci ChunkInfo
		ci.CompressedSize = binary.BigEndian.Uint32(input[off:])
		ci.DecompressedSize = binary.BigEndian.Uint32(input[off+4:])
		copy(ci.Checksum[:], input[off+8:off+24])
		chunks[i] = ci
	}

	pos := tableStart + tableLen
	var out bytes.Buffer
	for i, ci := range chunks {
		if len(input) < pos+int(ci.CompressedSize) {
			return nil, casctypes.ErrTruncatedInput
		}
		body := input[pos : pos+int(ci.CompressedSize)]
		sum := md5.Sum(body)
		if sum != ci.Checksum {
			return nil, casctypes.ErrChecksumMismatch
		}
		if len(body) == 0 {
			return nil, casctypes.ErrTruncatedInput
		}
		decoded, err := decodeChunkBody(Mode(body[0]), body[1:], uint32(i), ci.DecompressedSize, keys)
		if err != nil {
			return nil, fmt.Errorf("blte: chunk %d: %w", i, err)
		}
		out.Write(decoded)
		pos += int(ci.CompressedSize)
	}
	return out.Bytes(), nil
}

func decodeChunkBody(mode Mode, body []byte, blockIndex uint32, decompressedSize uint32, keys KeyStore) ([]byte, error) {
	switch mode {
	case ModeNone:
		if decompressedSize != 0 && uint32(len(body)) != decompressedSize {
			return nil, casctypes.ErrDecompressionFailed
		}
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil

	case ModeZlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", casctypes.ErrDecompressionFailed, err)
		}
		defer r.Close()
		var out bytes.Buffer
		if decompressedSize > 0 {
			out.Grow(int(decompressedSize))
		}
		if _, err := out.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("%w: %v", casctypes.ErrDecompressionFailed, err)
		}
		if decompressedSize != 0 && uint32(out.Len()) != decompressedSize {
			return nil, casctypes.ErrDecompressionFailed
		}
		return out.Bytes(), nil

	case ModeLZ4:
		if len(body) < 8 {
			return nil, casctypes.ErrTruncatedInput
		}
		framedDecompressed := binary.LittleEndian.Uint32(body[0:4])
		framedCompressed := binary.LittleEndian.Uint32(body[4:8])
		block := body[8:]
		if uint32(len(block)) != framedCompressed {
			return nil, casctypes.ErrTruncatedInput
		}
		out := make([]byte, framedDecompressed)
		n, err := lz4.UncompressBlock(block, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", casctypes.ErrDecompressionFailed, err)
		}
		if uint32(n) != framedDecompressed {
			return nil, casctypes.ErrDecompressionFailed
		}
		return out, nil

	case ModeFrame:
		return Decode(body, keys)

	case ModeEncrypted:
		return decodeEncrypted(body, blockIndex, keys)

	default:
		return nil, casctypes.ErrUnknownMode
	}
}

func decodeEncrypted(body []byte, blockIndex uint32, keys KeyStore) ([]byte, error) {
	if len(body) < 1 {
		return nil, casctypes.ErrTruncatedInput
	}
	keyNameLen := int(body[0])
	body = body[1:]
	if keyNameLen != 8 || len(body) < keyNameLen {
		return nil, casctypes.ErrTruncatedInput
	}
	keyName := binary.LittleEndian.Uint64(body[:8])
	body = body[8:]

	if len(body) < 1 {
		return nil, casctypes.ErrTruncatedInput
	}
	ivLen := int(body[0])
	body = body[1:]
	if ivLen > 8 || len(body) < ivLen {
		if ivLen > 8 {
			return nil, casctypes.ErrIvTooLong
		}
		return nil, casctypes.ErrTruncatedInput
	}
	ivBytes := body[:ivLen]
	body = body[ivLen:]

	if len(body) < 1 {
		return nil, casctypes.ErrTruncatedInput
	}
	encType := body[0]
	ciphertext := body[1:]

	if keys == nil {
		return nil, &casctypes.MissingKeyError{KeyID: keyName}
	}
	key, ok := keys.Key(keyName)
	if !ok {
		log.Warnw("mode E key not found", "key_name", fmt.Sprintf("0x%016x", keyName))
		return nil, &casctypes.MissingKeyError{KeyID: keyName}
	}

	iv, err := cascrypto.DeriveIV(ivBytes, 8, blockIndex)
	if err != nil {
		return nil, err
	}

	plaintext, err := cascrypto.Decrypt(cascrypto.CipherKind(encType), key, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	if len(plaintext) < 1 {
		return nil, casctypes.ErrTruncatedInput
	}
	return decodeChunkBody(Mode(plaintext[0]), plaintext[1:], 0, 0, keys)
}
