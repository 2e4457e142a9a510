package cascrypto

import (
	"crypto/rc4"
	"encoding/binary"

	"github.com/wowserhq/cascore/casctypes"
	"golang.org/x/crypto/salsa20/salsa"
)

// CipherKind selects the stream cipher used by a BLTE mode-E chunk, tagged
// by the encryption_type byte ('S' or 'A').
type CipherKind byte

const (
	CipherSalsa20 CipherKind = 'S'
	CipherARC4    CipherKind = 'A'
)

// KeySize is the width of a mode-E decryption key.
const KeySize = 16

// salsaNonceSize is the width of a Salsa20 nonce as used by
// golang.org/x/crypto/salsa20/salsa (XSalsa20 uses 24; CASC's mode E uses
// the 8-byte classic Salsa20 nonce).
const salsaNonceSize = 8

// DeriveIV implements the mandatory IV derivation: pad ivBytes on the
// right with zeros to ivLen, then XOR the first 4 bytes with the
// little-endian 4-byte block index.
func DeriveIV(ivBytes []byte, ivLen int, blockIndex uint32) ([]byte, error) {
	iv := make([]byte, ivLen)
	copy(iv, ivBytes)

	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], blockIndex)
	for i := 0; i < 4 && i < ivLen; i++ {
		iv[i] ^= idx[i]
	}
	return iv, nil
}

// Decrypt decrypts ciphertext using the given key, kind, and derived IV,
// returning the plaintext in a new buffer; ciphertext is left unchanged.
// For Salsa20 the IV must be exactly
// 8 bytes (classic Salsa20 nonce width); for ARC4 the IV is unused, as ARC4
// carries no nonce.
func Decrypt(kind CipherKind, key [KeySize]byte, iv []byte, ciphertext []byte) ([]byte, error) {
	switch kind {
	case CipherSalsa20:
		// salsa.XORKeyStream takes a 16-byte block: the 8-byte nonce
		// followed by the 8-byte block counter, which starts at zero.
		var counter [16]byte
		copy(counter[:salsaNonceSize], iv)
		var key32 [32]byte
		copy(key32[:], key[:])
		out := make([]byte, len(ciphertext))
		salsa.XORKeyStream(out, ciphertext, &counter, &key32)
		return out, nil
	case CipherARC4:
		c, err := rc4.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(ciphertext))
		c.XORKeyStream(out, ciphertext)
		return out, nil
	default:
		return nil, casctypes.ErrUnsupportedCipher
	}
}
