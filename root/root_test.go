package root

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

func TestBuildThenParseRoundTripByID(t *testing.T) {
	b := NewBuilder(V2)
	ckey := ckeyFor(0x42)
	b.AddFile(casctypes.FileDataID(100), ckey, "World\\Azeroth\\file.m2", casctypes.LocaleAll, 0)

	parsed, err := Parse(b.Build())
	require.NoError(t, err)

	got, ok := parsed.ResolveByID(100, casctypes.LocaleAll, 0)
	require.True(t, ok)
	require.Equal(t, ckey, got)
}

func TestResolveByPathNormalisesAndHashes(t *testing.T) {
	b := NewBuilder(V2)
	ckey := ckeyFor(0x7A)
	b.AddFile(casctypes.FileDataID(5), ckey, "world/azeroth/FILE.m2", casctypes.LocaleAll, 0)

	parsed, err := Parse(b.Build())
	require.NoError(t, err)

	got, ok := parsed.ResolveByPath("WORLD\\AZEROTH\\file.m2", casctypes.LocaleAll, 0)
	require.True(t, ok)
	require.Equal(t, ckey, got)
}

func TestResolveByIDSelectsLocaleMatch(t *testing.T) {
	b := NewBuilder(V2)
	enUS := ckeyFor(0x01)
	deDE := ckeyFor(0x02)
	b.AddFile(casctypes.FileDataID(7), enUS, "", casctypes.LocaleFlags(1), 0)
	b.AddFile(casctypes.FileDataID(7), deDE, "", casctypes.LocaleFlags(2), 0)

	parsed, err := Parse(b.Build())
	require.NoError(t, err)

	got, ok := parsed.ResolveByID(7, casctypes.LocaleFlags(2), 0)
	require.True(t, ok)
	require.Equal(t, deDE, got)
}

func TestResolveByIDRequiresContentFlagSatisfaction(t *testing.T) {
	b := NewBuilder(V2)
	win := ckeyFor(0x10)
	mac := ckeyFor(0x20)
	b.AddFile(casctypes.FileDataID(9), win, "", casctypes.LocaleAll, casctypes.ContentFlagWindows)
	b.AddFile(casctypes.FileDataID(9), mac, "", casctypes.LocaleAll, casctypes.ContentFlagMacOS)

	parsed, err := Parse(b.Build())
	require.NoError(t, err)

	got, ok := parsed.ResolveByID(9, casctypes.LocaleAll, casctypes.ContentFlagMacOS)
	require.True(t, ok)
	require.Equal(t, mac, got)
}

func TestResolveByIDMissingFDIDReturnsFalse(t *testing.T) {
	b := NewBuilder(V2)
	b.AddFile(casctypes.FileDataID(1), ckeyFor(1), "", casctypes.LocaleAll, 0)

	parsed, err := Parse(b.Build())
	require.NoError(t, err)

	_, ok := parsed.ResolveByID(999, casctypes.LocaleAll, 0)
	require.False(t, ok)
}

func TestFileDataIDCount(t *testing.T) {
	b := NewBuilder(V2)
	b.AddFile(casctypes.FileDataID(1), ckeyFor(1), "", casctypes.LocaleAll, 0)
	b.AddFile(casctypes.FileDataID(2), ckeyFor(2), "", casctypes.LocaleAll, 0)

	parsed, err := Parse(b.Build())
	require.NoError(t, err)
	require.Equal(t, 2, parsed.FileDataIDCount())
}
