package cascrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashLittleDeterministic(t *testing.T) {
	data := []byte("DATA\\FILE.BLOB")
	h1 := HashLittle(data, 0)
	h2 := HashLittle(data, 0)
	require.Equal(t, h1, h2)
}

func TestHashLittleEmpty(t *testing.T) {
	c, b := HashLittle2(nil, 0, 0)
	require.Equal(t, uint32(0xdeadbeef), c)
	require.Equal(t, uint32(0xdeadbeef), b)
}

func TestHashLittleChangesWithSeed(t *testing.T) {
	data := []byte("some/path/to\\a-file.m2")
	h1 := HashLittle(data, 0)
	h2 := HashLittle(data, 1)
	require.NotEqual(t, h1, h2)
}

func TestNameHashNormalizesSeparatorsAndCase(t *testing.T) {
	h1 := NameHash(`world/azeroth/stormwind.m2`)
	h2 := NameHash(`WORLD\AZEROTH\STORMWIND.M2`)
	require.Equal(t, h1, h2)
}

func TestDeriveIVXorsBlockIndex(t *testing.T) {
	base := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	iv0, err := DeriveIV(base, 8, 0)
	require.NoError(t, err)
	require.Equal(t, base, iv0)

	iv1, err := DeriveIV(base, 8, 1)
	require.NoError(t, err)
	require.NotEqual(t, iv0, iv1)
	require.Equal(t, byte(0x01^0x01), iv1[0])
	require.Equal(t, base[4:], iv1[4:])
}
