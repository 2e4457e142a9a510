package cdn

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ContentType is the CDN URL path segment selecting what kind of blob a
// hash identifies.
type ContentType int

const (
	ContentConfig ContentType = iota
	ContentData
	ContentPatch
)

func (t ContentType) String() string {
	switch t {
	case ContentConfig:
		return "config"
	case ContentData:
		return "data"
	case ContentPatch:
		return "patch"
	default:
		return "unknown"
	}
}

// productConfigPath is the fixed sub-path product-config files use
// regardless of the product's own cdn_path.
const productConfigPath = "tpr/configs/data"

func validateHash(hash string) (string, error) {
	if len(hash) != 32 {
		return "", fmt.Errorf("cdn: hash must be 32 hex characters, got %d: %q", len(hash), hash)
	}
	lower := strings.ToLower(hash)
	for _, c := range lower {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", fmt.Errorf("cdn: hash contains non-hex character: %q", hash)
		}
	}
	return lower, nil
}

// HashDirectories splits a hash into the two-level directory sharding
// components the CDN URL pattern embeds.
func HashDirectories(hash string) (string, string, error) {
	if len(hash) < 4 {
		return "", "", fmt.Errorf("cdn: hash too short for directory extraction: %q", hash)
	}
	lower := strings.ToLower(hash)
	return lower[0:2], lower[2:4], nil
}

type cachedPath struct {
	path     string
	cachedAt time.Time
}

// CdnPathCache maps a product name to its current cdn_path, as
// extracted from a CDN endpoint response (never hardcoded), with an
// optional TTL, grounded on
// original_source/crates/cascette-protocol/src/cdn_streaming/path.rs's
// CdnPathCache.
type CdnPathCache struct {
	mu    sync.RWMutex
	ttl   time.Duration // zero means no expiry
	paths map[string]cachedPath
}

// NewCdnPathCache constructs a path cache. A zero ttl disables
// expiration.
func NewCdnPathCache(ttl time.Duration) *CdnPathCache {
	return &CdnPathCache{ttl: ttl, paths: make(map[string]cachedPath)}
}

// Set records the cdn_path discovered for product.
func (c *CdnPathCache) Set(product, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths[product] = cachedPath{path: path, cachedAt: time.Now()}
}

// Get returns product's cached path if present and unexpired.
func (c *CdnPathCache) Get(product string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.paths[product]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && time.Since(entry.cachedAt) > c.ttl {
		return "", false
	}
	return entry.path, true
}

// CleanupExpired removes every expired entry and returns how many were
// removed. A no-op when the cache has no TTL configured.
func (c *CdnPathCache) CleanupExpired() int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for product, entry := range c.paths {
		if time.Since(entry.cachedAt) > c.ttl {
			delete(c.paths, product)
			removed++
		}
	}
	return removed
}

// CdnUrlBuilder constructs CDN URLs following
// `<scheme>://<host>/<cdn_path>/<type>/<hash[0:2]>/<hash[2:4]>/<hash>`,
// backed by a CdnPathCache for bootstrap-discovered per-product paths.
type CdnUrlBuilder struct {
	paths *CdnPathCache
}

// NewCdnUrlBuilder constructs a builder over its own fresh path cache.
func NewCdnUrlBuilder(ttl time.Duration) *CdnUrlBuilder {
	return &CdnUrlBuilder{paths: NewCdnPathCache(ttl)}
}

// Paths exposes the underlying path cache for bootstrap population.
func (b *CdnUrlBuilder) Paths() *CdnPathCache { return b.paths }

// BuildURL constructs a URL for an explicit cdn_path.
func (b *CdnUrlBuilder) BuildURL(scheme, host, cdnPath string, contentType ContentType, hash string) (string, error) {
	lower, err := validateHash(hash)
	if err != nil {
		return "", err
	}
	dir1, dir2 := lower[0:2], lower[2:4]
	return fmt.Sprintf("%s://%s/%s/%s/%s/%s/%s", scheme, host, cdnPath, contentType, dir1, dir2, lower), nil
}

// BuildURLForProduct looks up product's cached cdn_path and constructs
// a URL from it.
func (b *CdnUrlBuilder) BuildURLForProduct(scheme, host, product string, contentType ContentType, hash string) (string, error) {
	cdnPath, ok := b.paths.Get(product)
	if !ok {
		return "", fmt.Errorf("cdn: no cached cdn_path for product %q; must query CDN endpoint first", product)
	}
	return b.BuildURL(scheme, host, cdnPath, contentType, hash)
}

// BuildProductConfigURL constructs a URL for product-config files,
// which always live under the fixed tpr/configs/data sub-path
// regardless of product.
func (b *CdnUrlBuilder) BuildProductConfigURL(scheme, host, hash string) (string, error) {
	lower, err := validateHash(hash)
	if err != nil {
		return "", err
	}
	dir1, dir2 := lower[0:2], lower[2:4]
	return fmt.Sprintf("%s://%s/%s/%s/%s/%s", scheme, host, productConfigPath, dir1, dir2, lower), nil
}
