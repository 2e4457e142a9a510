package blte

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/cascrypto"
)

func TestRoundTripModeNone(t *testing.T) {
	plaintext := []byte("hello world, this is plain data")
	encoded, err := Encode(plaintext, EncodeOptions{Mode: ModeNone})
	require.NoError(t, err)
	decoded, err := Decode(encoded, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

// E1: encode a 41-byte buffer under mode Z level 6, decode, and expect the
// original bytes with a smaller encoded length.
func TestE1EncodeZlibRoundTrip(t *testing.T) {
	plaintext := []byte("Hello, World! Hello, World! Hello, World!")
	require.Len(t, plaintext, 41)

	encoded, err := Encode(plaintext, EncodeOptions{Mode: ModeZlib, Level: 6})
	require.NoError(t, err)
	require.Less(t, len(encoded), 41)

	decoded, err := Decode(encoded, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

// E2: build a 4-chunk BLTE from a 1 KiB buffer with chunk size 256.
func TestE2MultiChunkZlib(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0x41}, 1024)
	encoded, err := EncodeMulti(plaintext, 256, EncodeOptions{Mode: ModeZlib, Level: 6})
	require.NoError(t, err)
	require.Equal(t, magic[:], encoded[:4])

	headerSize := uint32(encoded[4])<<24 | uint32(encoded[5])<<16 | uint32(encoded[6])<<8 | uint32(encoded[7])
	require.NotZero(t, headerSize)

	decoded, err := Decode(encoded, nil)
	require.NoError(t, err)
	require.Len(t, decoded, 1024)
	require.Equal(t, plaintext, decoded)
}

func TestRoundTripModeLZ4(t *testing.T) {
	plaintext := bytes.Repeat([]byte("compress me please "), 50)
	encoded, err := Encode(plaintext, EncodeOptions{Mode: ModeLZ4})
	require.NoError(t, err)
	decoded, err := Decode(encoded, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

// Random bytes rarely compress; this exercises the hand-rolled
// literal-only LZ4 block fallback for incompressible input.
func TestRoundTripModeLZ4Incompressible(t *testing.T) {
	plaintext := make([]byte, 512)
	rng := rand.New(rand.NewSource(1))
	rng.Read(plaintext)
	encoded, err := Encode(plaintext, EncodeOptions{Mode: ModeLZ4})
	require.NoError(t, err)
	decoded, err := Decode(encoded, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

func TestRoundTripModeFrame(t *testing.T) {
	plaintext := []byte("nested frame content")
	encoded, err := Encode(plaintext, EncodeOptions{Mode: ModeFrame})
	require.NoError(t, err)
	decoded, err := Decode(encoded, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

type fakeKeyStore struct {
	keys map[uint64][16]byte
}

func (f fakeKeyStore) Key(keyName uint64) ([16]byte, bool) {
	k, ok := f.keys[keyName]
	return k, ok
}

func TestRoundTripModeEncryptedSalsa20(t *testing.T) {
	var key [16]byte
	copy(key[:], bytes.Repeat([]byte{0x07}, 16))
	keyName := uint64(0x1122334455667788)
	ivBytes := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	plaintext := []byte("secret chunk contents")
	encoded, err := EncodeEncrypted(plaintext, keyName, key, cascrypto.CipherSalsa20, ivBytes, 0)
	require.NoError(t, err)

	ks := fakeKeyStore{keys: map[uint64][16]byte{keyName: key}}
	decoded, err := Decode(encoded, ks)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

func TestDecodeMissingKey(t *testing.T) {
	var key [16]byte
	keyName := uint64(42)
	encoded, err := EncodeEncrypted([]byte("x"), keyName, key, cascrypto.CipherARC4, []byte{1}, 0)
	require.NoError(t, err)

	_, err = Decode(encoded, nil)
	require.Error(t, err)
}

func TestDecodeInvalidMagic(t *testing.T) {
	_, err := Decode([]byte("NOTB1234"), nil)
	require.ErrorIs(t, err, casctypes.ErrInvalidMagic)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	plaintext := []byte("abcdefgh")
	encoded, err := EncodeMulti(plaintext, 4, EncodeOptions{Mode: ModeNone})
	require.NoError(t, err)

	// Corrupt the last byte, which lies in the last chunk's body.
	corrupted := append([]byte{}, encoded...)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err = Decode(corrupted, nil)
	require.Error(t, err)
}
