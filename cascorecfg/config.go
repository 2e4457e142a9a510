// Package cascorecfg holds the single immutable configuration value a
// Dynamic Container is opened with.
//
// Grounded on gsfa/store/option.go's config-struct-plus-functional-options
// idiom: a package-private config struct with defaults, applied by
// exported Option funcs, validated once at construction rather than
// scattered across call sites.
package cascorecfg

import (
	"fmt"

	"github.com/wowserhq/cascore/casctypes"
)

// AccessMode selects whether a Dynamic Container accepts writes.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	ReadWrite
)

func (m AccessMode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

const (
	defaultSegmentLimit   = casctypes.MaxArchives
	defaultMaxSegmentSize = int64(1) << 30 // 1 GiB, matches archive.DefaultMaxArchiveSize
)

// ResidencyTracker is consulted by Container.Read when a truncated
// archive read forces a span to be marked non-resident.
type ResidencyTracker interface {
	MarkNonResident(ekey casctypes.EKey, offset, length uint32)
}

// LRUTracker is touched on every successful Container.Read.
type LRUTracker interface {
	Touch(ekeyTrunc casctypes.EKeyTrunc)
}

// Config is the immutable configuration a Dynamic Container is opened
// with. There are no hidden globals: every container tunable is a field
// here, set via Option funcs and fixed for the lifetime of the container.
type Config struct {
	AccessMode       AccessMode
	StoragePath      string
	PathHash         [16]byte
	SegmentLimit     uint16
	MaxSegmentSize   int64
	FreeSpaceReclaim bool
	SharedMemory     bool
	Residency        ResidencyTracker
	LRU              LRUTracker
}

// Option mutates a Config under construction.
type Option func(*Config)

// New builds a Config for storagePath, applying opts over the defaults
// (read-write, 1023-segment limit, 1 GiB segments, free-space reclaim
// on), and validates the result.
func New(storagePath string, opts ...Option) (Config, error) {
	c := Config{
		AccessMode:       ReadWrite,
		StoragePath:      storagePath,
		SegmentLimit:     defaultSegmentLimit,
		MaxSegmentSize:   defaultMaxSegmentSize,
		FreeSpaceReclaim: true,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.StoragePath == "" {
		return fmt.Errorf("%w: storage path is empty", casctypes.ErrConfigInvalid)
	}
	if c.SegmentLimit == 0 || c.SegmentLimit > casctypes.MaxArchives {
		return fmt.Errorf("%w: segment limit %d exceeds %d", casctypes.ErrConfigInvalid, c.SegmentLimit, casctypes.MaxArchives)
	}
	if c.MaxSegmentSize <= 0 {
		return fmt.Errorf("%w: max segment size must be positive", casctypes.ErrConfigInvalid)
	}
	return nil
}

// WithAccessMode sets whether the container accepts writes.
func WithAccessMode(mode AccessMode) Option {
	return func(c *Config) { c.AccessMode = mode }
}

// WithPathHash sets the 16-byte path hash used in header-key derivation
// for advisory shared-memory coordination.
func WithPathHash(hash [16]byte) Option {
	return func(c *Config) { c.PathHash = hash }
}

// WithSegmentLimit caps the number of archive segments; validation
// accepts limits from 1 up to and including casctypes.MaxArchives.
func WithSegmentLimit(limit uint16) Option {
	return func(c *Config) { c.SegmentLimit = limit }
}

// WithMaxSegmentSize sets the maximum size of a single archive segment
// before the allocator rotates to a new one.
func WithMaxSegmentSize(size int64) Option {
	return func(c *Config) { c.MaxSegmentSize = size }
}

// WithFreeSpaceReclaim toggles whether compaction reclaims gaps left by
// removed/compacted entries.
func WithFreeSpaceReclaim(enabled bool) Option {
	return func(c *Config) { c.FreeSpaceReclaim = enabled }
}

// WithSharedMemory marks the container for advisory multi-process
// coordination; actual IPC coordination between processes is out of
// scope for this package.
func WithSharedMemory(enabled bool) Option {
	return func(c *Config) { c.SharedMemory = enabled }
}

// WithResidency attaches a residency tracker consulted on truncated
// reads.
func WithResidency(r ResidencyTracker) Option {
	return func(c *Config) { c.Residency = r }
}

// WithLRU attaches an LRU tracker touched on successful reads.
func WithLRU(l LRUTracker) Option {
	return func(c *Config) { c.LRU = l }
}
