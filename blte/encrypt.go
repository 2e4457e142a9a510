package blte

import (
	"bytes"
	"encoding/binary"

	"github.com/wowserhq/cascore/cascrypto"
)

// EncodeEncrypted builds a complete single-chunk BLTE buffer whose body is
// mode E: plaintext is first wrapped as a plain (mode N) chunk body, then
// encrypted under key/keyName with the given cipher kind and IV. blockIndex
// is the chunk's position within its parent container and feeds IV
// derivation.
func EncodeEncrypted(plaintext []byte, keyName uint64, key [cascrypto.KeySize]byte, kind cascrypto.CipherKind, ivBytes []byte, blockIndex uint32) ([]byte, error) {
	inner := make([]byte, 1+len(plaintext))
	inner[0] = byte(ModeNone)
	copy(inner[1:], plaintext)

	iv, err := cascrypto.DeriveIV(ivBytes, 8, blockIndex)
	if err != nil {
		return nil, err
	}
	ciphertext, err := cascrypto.Decrypt(kind, key, iv, inner) // stream ciphers: encrypt == decrypt
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	body.WriteByte(byte(ModeEncrypted))
	body.WriteByte(8) // key_name_len
	var keyNameBuf [8]byte
	binary.LittleEndian.PutUint64(keyNameBuf[:], keyName)
	body.Write(keyNameBuf[:])
	body.WriteByte(byte(len(ivBytes)))
	body.Write(ivBytes)
	body.WriteByte(byte(kind))
	body.Write(ciphertext)

	var out bytes.Buffer
	out.Write(magic[:])
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 0)
	out.Write(hdr[:])
	out.Write(body.Bytes())
	return out.Bytes(), nil
}
