// Package resolver orchestrates content resolution (Root -> Encoding ->
// KMT -> Archive) behind a fingerprint-keyed cache with TTL classes and
// at-most-one-concurrent-load semantics.
//
// The cache shape (entry-count bounded LRU, last-read tracking) is
// grounded on range-cache/range-cache.go's RangeCache; entries are not
// bounded by a byte budget (Options.MaxByteBudget is not read);
// storage itself is delegated to jellydator/ttlcache/v3 rather than
// range-cache's hand-rolled container/list LRU, and at-most-one-load is
// delegated to golang.org/x/sync/singleflight rather than range-cache's
// manual mutex-guarded fetch coordination.
package resolver

import (
	"crypto/md5"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Class identifies which TTL a cache entry uses.
type Class int

const (
	ClassRoot Class = iota
	ClassEncoding
	ClassContent
)

// Fingerprint identifies one cache entry: a content-addressing key
// (EKey for archive-resident content, CKey for decoded content) plus an
// optional page index (used by paged structures like Encoding, where the
// same key can resolve to different pages).
type Fingerprint struct {
	Key       [16]byte
	PageIndex int
	HasPage   bool
}

func (f Fingerprint) cacheKey() string {
	if f.HasPage {
		return fmt.Sprintf("%x#%d", f.Key, f.PageIndex)
	}
	return fmt.Sprintf("%x", f.Key)
}

// TTLs configures the per-class time-to-live (Root >=
// 1h, Encoding >= 2h, content configurable).
type TTLs struct {
	Root     time.Duration
	Encoding time.Duration
	Content  time.Duration
}

// DefaultTTLs returns the per-class TTLs used when Options.TTLs is zero.
// Its Root and Encoding values are also the minimums NewCache enforces.
func DefaultTTLs() TTLs {
	return TTLs{
		Root:     time.Hour,
		Encoding: 2 * time.Hour,
		Content:  10 * time.Minute,
	}
}

type cacheEntry struct {
	raw    []byte
	parsed any
}

// Cache is the fingerprint-keyed resolver cache: raw bytes plus a
// memoised parsed structure, content-validated on put and get, loaded
// with at-most-one-concurrent-load per fingerprint.
type Cache struct {
	ttls   TTLs
	byClass map[Class]*ttlcache.Cache[string, cacheEntry]
	group  singleflight.Group
}

// Options bounds the cache's size. MaxEntries caps each class's entry
// count; MaxByteBudget is accepted but not enforced.
type Options struct {
	TTLs         TTLs
	MaxEntries   int
	MaxByteBudget int64
}

// NewCache constructs a Cache with one ttlcache instance per Class so
// each class's TTL and eviction budget are independent.
func NewCache(opts Options) *Cache {
	if opts.TTLs == (TTLs{}) {
		opts.TTLs = DefaultTTLs()
	}
	floor := DefaultTTLs()
	if opts.TTLs.Root < floor.Root {
		opts.TTLs.Root = floor.Root
	}
	if opts.TTLs.Encoding < floor.Encoding {
		opts.TTLs.Encoding = floor.Encoding
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 4096
	}

	c := &Cache{ttls: opts.TTLs, byClass: make(map[Class]*ttlcache.Cache[string, cacheEntry])}
	for class, ttl := range map[Class]time.Duration{
		ClassRoot:     opts.TTLs.Root,
		ClassEncoding: opts.TTLs.Encoding,
		ClassContent:  opts.TTLs.Content,
	} {
		cache := ttlcache.New[string, cacheEntry](
			ttlcache.WithTTL[string, cacheEntry](ttl),
			ttlcache.WithCapacity[string, cacheEntry](uint64(opts.MaxEntries)),
		)
		go cache.Start()
		c.byClass[class] = cache
	}
	return c
}

// Close stops every class's background eviction goroutine.
func (c *Cache) Close() {
	for _, cache := range c.byClass {
		cache.Stop()
	}
}

// Loader produces the raw bytes for a fingerprint on a cache miss.
type Loader func() ([]byte, error)

// Parser turns raw bytes into the class's memoised parsed structure.
type Parser func(raw []byte) (any, error)

// GetOrLoad returns the cached (raw, parsed) pair for fp, loading via
// load on a miss. Concurrent callers for the same (class, fingerprint)
// share a single in-flight load via singleflight.
//
// For ClassContent, fp.Key is treated as the expected MD5 of the loaded
// bytes (the CKey, for decoded content) and they are validated against it on both load and
// cache-hit paths; a cache-hit whose stored bytes no longer hash to the
// key (e.g. in-memory corruption) is evicted and re-fetched once before
// giving up with ContentValidationFailedError.
func (c *Cache) GetOrLoad(class Class, fp Fingerprint, load Loader, parse Parser) (raw []byte, parsed any, err error) {
	cache := c.byClass[class]
	key := fp.cacheKey()
	classLabel := classLabel(class)

	if item := cache.Get(key); item != nil {
		entry := item.Value()
		if class == ClassContent {
			if err := c.validate(fp, entry.raw); err != nil {
				cache.Delete(key)
			} else {
				metrics.ResolverCacheHits.WithLabelValues(classLabel, "hit").Inc()
				return entry.raw, entry.parsed, nil
			}
		} else {
			metrics.ResolverCacheHits.WithLabelValues(classLabel, "hit").Inc()
			return entry.raw, entry.parsed, nil
		}
	}
	metrics.ResolverCacheHits.WithLabelValues(classLabel, "miss").Inc()

	groupKey := fmt.Sprintf("%d:%s", class, key)
	v, err, _ := c.group.Do(groupKey, func() (any, error) {
		raw, err := load()
		if err != nil {
			return nil, err
		}
		if class == ClassContent {
			if err := c.validate(fp, raw); err != nil {
				return nil, err
			}
		}
		parsed, err := parse(raw)
		if err != nil {
			return nil, err
		}
		entry := cacheEntry{raw: raw, parsed: parsed}
		cache.Set(key, entry, ttlcache.DefaultTTL)
		return entry, nil
	})
	if err != nil {
		return nil, nil, err
	}
	entry := v.(cacheEntry)
	return entry.raw, entry.parsed, nil
}

func classLabel(class Class) string {
	switch class {
	case ClassRoot:
		return "root"
	case ClassEncoding:
		return "encoding"
	default:
		return "content"
	}
}

func (c *Cache) validate(fp Fingerprint, raw []byte) error {
	sum := md5.Sum(raw)
	if sum != fp.Key {
		return &casctypes.ContentValidationFailedError{Key: fmt.Sprintf("%x", fp.Key)}
	}
	return nil
}
