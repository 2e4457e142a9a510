package cascrypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecryptSalsa20RoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, KeySize))
	iv, err := DeriveIV([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 8, 3)
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ciphertext, err := Decrypt(CipherSalsa20, key, iv, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	// Salsa20 is symmetric: decrypting the ciphertext with the same
	// key/iv recovers the plaintext.
	roundtrip, err := Decrypt(CipherSalsa20, key, iv, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, roundtrip)
}

func TestDecryptARC4RoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x11}, KeySize))

	plaintext := []byte("blizzard entertainment")
	ciphertext, err := Decrypt(CipherARC4, key, nil, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	roundtrip, err := Decrypt(CipherARC4, key, nil, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, roundtrip)
}

func TestDecryptUnsupportedCipher(t *testing.T) {
	var key [KeySize]byte
	_, err := Decrypt(CipherKind('X'), key, nil, []byte("x"))
	require.Error(t, err)
}
