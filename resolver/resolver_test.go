package resolver

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/container"
	"github.com/wowserhq/cascore/encoding"
	"github.com/wowserhq/cascore/root"
)

func TestCacheGetOrLoadCachesAcrossCalls(t *testing.T) {
	cache := NewCache(Options{TTLs: TTLs{Root: time.Minute, Encoding: time.Minute, Content: time.Minute}})
	defer cache.Close()

	var loads int32
	fp := Fingerprint{}
	load := func() ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("payload"), nil
	}
	parse := func(raw []byte) (any, error) { return string(raw), nil }

	for i := 0; i < 5; i++ {
		_, parsed, err := cache.GetOrLoad(ClassRoot, fp, load, parse)
		require.NoError(t, err)
		require.Equal(t, "payload", parsed)
	}
	require.Equal(t, int32(1), loads)
}

func TestCacheContentValidationRejectsMismatchedBytes(t *testing.T) {
	cache := NewCache(Options{TTLs: TTLs{Root: time.Minute, Encoding: time.Minute, Content: time.Minute}})
	defer cache.Close()

	var wrongKey [16]byte
	wrongKey[0] = 0xFF
	fp := Fingerprint{Key: wrongKey}

	_, _, err := cache.GetOrLoad(ClassContent, fp,
		func() ([]byte, error) { return []byte("not matching"), nil },
		func(raw []byte) (any, error) { return raw, nil },
	)
	require.Error(t, err)
	var validationErr *casctypes.ContentValidationFailedError
	require.ErrorAs(t, err, &validationErr)
}

type fakeVersionSource struct {
	rootBytes     []byte
	encodingBytes []byte
	pageCount     int
}

func (f *fakeVersionSource) RootBytes() ([]byte, error) { return f.rootBytes, nil }
func (f *fakeVersionSource) EncodingBytes() ([]byte, int, error) {
	return f.encodingBytes, f.pageCount, nil
}

func buildFakeVersionSource(t *testing.T, ckey casctypes.CKey, ekey casctypes.EKey, fdid casctypes.FileDataID, path string) *fakeVersionSource {
	t.Helper()
	rb := root.NewBuilder(root.V2)
	rb.AddFile(fdid, ckey, path, casctypes.LocaleAll, 0)

	eb := encoding.NewBuilder()
	eb.Add(ckey, 123, []casctypes.EKey{ekey})
	encData, pageCount := eb.Build()

	return &fakeVersionSource{rootBytes: rb.Build(), encodingBytes: encData, pageCount: pageCount}
}

func TestResolverResolvesByPathThroughFullChain(t *testing.T) {
	dir := t.TempDir()
	c, err := container.Open(dir, filepath.Join(dir, "test.idx"), container.Options{MaxArchiveSize: 1 << 20})
	require.NoError(t, err)
	defer c.Close()

	plaintext := []byte("hello resolver chain")
	ekey, err := c.Write(plaintext)
	require.NoError(t, err)

	ckey := casctypes.ComputeCKey(plaintext)
	versions := buildFakeVersionSource(t, ckey, ekey, casctypes.FileDataID(42), "World\\file.txt")

	cache := NewCache(Options{})
	defer cache.Close()

	r := New(versions, c, cache, casctypes.LocaleAll, 0)
	got, err := r.ResolveByPath("WORLD\\FILE.TXT")
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestResolverResolveByPathMissingReturnsEntryNotFound(t *testing.T) {
	dir := t.TempDir()
	c, err := container.Open(dir, filepath.Join(dir, "test.idx"), container.Options{MaxArchiveSize: 1 << 20})
	require.NoError(t, err)
	defer c.Close()

	versions := &fakeVersionSource{rootBytes: root.NewBuilder(root.V2).Build()}
	cache := NewCache(Options{})
	defer cache.Close()

	r := New(versions, c, cache, casctypes.LocaleAll, 0)
	_, err = r.ResolveByPath("missing\\file.txt")
	require.Error(t, err)
	var notFound *casctypes.EntryNotFoundError
	require.True(t, errors.As(err, &notFound))
}
