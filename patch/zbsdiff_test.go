package patch

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSimpleRoundTrip(t *testing.T) {
	old := []byte("Hello, World!")
	want := []byte("Hello, Rust!")

	p, err := NewBuilder(old, want).BuildSimple()
	require.NoError(t, err)

	got, err := Apply(old, p)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBuildRoundTrip(t *testing.T) {
	old := []byte("The quick brown fox jumps over the lazy dog")
	want := []byte("The quick brown cat jumps over the lazy dog")

	p, err := NewBuilder(old, want).Build()
	require.NoError(t, err)

	got, err := Apply(old, p)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBuildEmptyOldToContent(t *testing.T) {
	want := []byte("New content here!")
	p, err := NewBuilder(nil, want).BuildSimple()
	require.NoError(t, err)

	got, err := Apply(nil, p)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBuildContentToEmpty(t *testing.T) {
	old := []byte("Some content to remove")
	p, err := NewBuilder(old, nil).BuildSimple()
	require.NoError(t, err)

	got, err := Apply(old, p)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestBuildIdenticalData(t *testing.T) {
	data := []byte("Identical data in both old and new")
	p, err := NewBuilder(data, data).Build()
	require.NoError(t, err)

	got, err := Apply(data, p)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestBuildSmallerThanSimpleOnSharedContent(t *testing.T) {
	// Incompressible content, so BuildSimple's extra section cannot shrink
	// under zlib the way a run of one repeated byte would.
	old := make([]byte, 2000)
	rand.New(rand.NewSource(1)).Read(old)
	want := append([]byte(nil), old...)
	want[1000] ^= 0xFF

	optimized, err := NewBuilder(old, want).Build()
	require.NoError(t, err)
	simple, err := NewBuilder(old, want).BuildSimple()
	require.NoError(t, err)

	gotOptimized, err := Apply(old, optimized)
	require.NoError(t, err)
	require.Equal(t, want, gotOptimized)

	gotSimple, err := Apply(old, simple)
	require.NoError(t, err)
	require.Equal(t, want, gotSimple)

	require.Less(t, len(optimized), len(simple))
}

func TestParseHeaderRejectsBadSignature(t *testing.T) {
	bad := make([]byte, headerSize)
	copy(bad, "NOTASIGN")
	_, err := ParseHeader(bad)
	require.Error(t, err)
}

func TestParseHeaderRejectsTruncated(t *testing.T) {
	_, err := ParseHeader([]byte("short"))
	require.Error(t, err)
}

func TestParseHeaderRejectsOversizedSection(t *testing.T) {
	h := make([]byte, headerSize)
	copy(h, signature[:])
	// control_size = 2 GiB, exceeds the 1 GiB cap
	h[8] = 0
	h[11] = 0x80
	_, err := ParseHeader(h)
	require.Error(t, err)
}
