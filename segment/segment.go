// Package segment tracks archive segment lifecycle state (thawed vs
// frozen) and the per-bucket write lock shared with the KMT flush path.
// It does not itself own file handles — archive.Manager does — it is the
// bookkeeping layer compaction and the KMT consult to decide which
// segments are eligible for reclaim and to serialize flushes against
// writes.
package segment

import (
	"sort"
	"sync"

	"github.com/wowserhq/cascore/casctypes"
)

// State is a segment's position in its thawed/frozen lifecycle.
type State int

const (
	// Thawed segments accept appends; only one segment is thawed at a
	// time (the archive write head).
	Thawed State = iota
	// Frozen segments are closed to writes and eligible for compaction.
	Frozen
)

// MaxSegments caps the number of segments an Allocator will track (0x3FF =
// 1023, the largest archive id a 5-byte packed archive locator can hold).
const MaxSegments = casctypes.MaxArchives

// numBucketLocks is the width of the bucket-write-lock pool shared between
// KMT flush and segment write placement; it need not match the KMT's own
// bucket count exactly, only provide enough striping to avoid needless
// contention.
const numBucketLocks = 64

// Allocator tracks segment state and owns the bucket-write-lock pool the
// KMT's flush_updates_for_bucket must hold.
type Allocator struct {
	mu          sync.RWMutex
	states      map[uint16]State
	thawedID    uint16
	count       int
	bucketLocks [numBucketLocks]sync.Mutex
}

// New constructs an empty Allocator with segment 0 thawed.
func New() *Allocator {
	a := &Allocator{states: make(map[uint16]State)}
	a.states[0] = Thawed
	a.count = 1
	return a
}

// LoadExisting seeds the allocator's state from a set of known segment
// ids (e.g. discovered by archive.OpenAll), marking every id except the
// highest as Frozen and the highest as Thawed.
func LoadExisting(ids []uint16) *Allocator {
	a := &Allocator{states: make(map[uint16]State)}
	if len(ids) == 0 {
		a.states[0] = Thawed
		a.count = 1
		return a
	}
	maxID := ids[0]
	for _, id := range ids {
		a.states[id] = Frozen
		if id > maxID {
			maxID = id
		}
	}
	a.states[maxID] = Thawed
	a.thawedID = maxID
	a.count = len(ids)
	return a
}

// SegmentCount returns the number of segments currently tracked.
func (a *Allocator) SegmentCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// ThawedID returns the id of the segment currently accepting writes.
func (a *Allocator) ThawedID() uint16 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.thawedID
}

// Freeze transitions the current thawed segment to Frozen and allocates
// the next segment id as the new thawed segment. It returns the new
// thawed id, or ErrSegmentLimitReached if the allocator is already at
// MaxSegments.
func (a *Allocator) Freeze() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count >= MaxSegments {
		return 0, casctypes.ErrSegmentLimitReached
	}
	a.states[a.thawedID] = Frozen
	next := a.thawedID + 1
	a.states[next] = Thawed
	a.thawedID = next
	a.count++
	return next, nil
}

// FreezeTo transitions oldID to Frozen and newID to Thawed, for when the
// archive manager itself has already chosen the next segment id (on
// rotation) rather than asking the allocator to mint one via Freeze.
// newID may already be tracked (e.g. rediscovered at startup); otherwise
// it is added to the roster, subject to the same MaxSegments cap as
// Freeze.
func (a *Allocator) FreezeTo(oldID, newID uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, tracked := a.states[newID]; !tracked {
		if a.count >= MaxSegments {
			return casctypes.ErrSegmentLimitReached
		}
		a.count++
	}
	a.states[oldID] = Frozen
	a.states[newID] = Thawed
	a.thawedID = newID
	return nil
}

// State reports the lifecycle state of segment id, defaulting to Frozen
// for ids the allocator has not seen (conservative: never allow writes to
// an unknown segment).
func (a *Allocator) State(id uint16) State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.states[id]; ok {
		return s
	}
	return Frozen
}

// MarkFrozen records that id has been closed to writes (used after
// compaction reclaims a segment, or when loading a roster at startup).
func (a *Allocator) MarkFrozen(id uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[id] = Frozen
}

// FrozenSegments returns every segment id currently marked Frozen, in
// ascending order.
func (a *Allocator) FrozenSegments() []uint16 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []uint16
	for id, s := range a.states {
		if s == Frozen {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BucketWriteLock returns the shared mutex for bucket, striped across a
// fixed-size pool. The KMT's flush_updates_for_bucket must hold this lock
// for the duration of its sorted-section merge.
func (a *Allocator) BucketWriteLock(bucket uint32) *sync.Mutex {
	return &a.bucketLocks[bucket%numBucketLocks]
}
