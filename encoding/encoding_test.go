package encoding

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wowserhq/cascore/casctypes"
)

func ckeyFor(b byte) casctypes.CKey {
	var k casctypes.CKey
	for i := range k {
		k[i] = b
	}
	return k
}

func ekeyFor(b byte) casctypes.EKey {
	var k casctypes.EKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestBuildThenLookupByCKey(t *testing.T) {
	b := NewBuilder()
	ckey := ckeyFor(0x42)
	ekey := ekeyFor(0x99)
	b.Add(ckey, 1024, []casctypes.EKey{ekey})

	data, pageCount := b.Build()
	table, err := Parse(data, pageCount)
	require.NoError(t, err)

	entry, ok := table.LookupByCKey(ckey)
	require.True(t, ok)
	require.Equal(t, uint64(1024), entry.Size)
	require.Equal(t, []casctypes.EKey{ekey}, entry.EncodingKeys)
}

func TestLookupByCKeyMissingReturnsFalse(t *testing.T) {
	b := NewBuilder()
	b.Add(ckeyFor(1), 10, []casctypes.EKey{ekeyFor(1)})

	data, pageCount := b.Build()
	table, err := Parse(data, pageCount)
	require.NoError(t, err)

	_, ok := table.LookupByCKey(ckeyFor(0xFF))
	require.False(t, ok)
}

func TestCKeyCountAcrossMultiplePages(t *testing.T) {
	b := NewBuilder()
	const n = 200
	for i := 0; i < n; i++ {
		b.Add(ckeyFor(byte(i)), uint64(i), []casctypes.EKey{ekeyFor(byte(i))})
	}

	data, pageCount := b.Build()
	table, err := Parse(data, pageCount)
	require.NoError(t, err)
	require.Equal(t, n, table.CKeyCount())
}

func TestMultipleEncodingKeysPerContentKey(t *testing.T) {
	b := NewBuilder()
	ckey := ckeyFor(0x10)
	ek1, ek2 := ekeyFor(0x11), ekeyFor(0x12)
	b.Add(ckey, 2048, []casctypes.EKey{ek1, ek2})

	data, pageCount := b.Build()
	table, err := Parse(data, pageCount)
	require.NoError(t, err)

	entry, ok := table.LookupByCKey(ckey)
	require.True(t, ok)
	require.Len(t, entry.EncodingKeys, 2)
}
