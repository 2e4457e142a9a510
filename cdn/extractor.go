package cdn

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/wowserhq/cascore/archive"
	"github.com/wowserhq/cascore/blte"
	"github.com/wowserhq/cascore/casctypes"
)

var log = logging.Logger("cdn")

// ArchiveIndexSource fetches the raw bytes of a CDN archive's .index
// file, given its archive hash, per spec.md §4.10 step 1.
type ArchiveIndexSource func(ctx context.Context, archiveHash string) ([]byte, error)

// RangeSource fetches raw bytes for a byte range within a CDN archive
// blob, given its archive hash.
type RangeSource func(ctx context.Context, archiveHash string, r Range) ([]byte, error)

// ExtractRequest is one EKey the caller wants extracted from a named
// archive.
type ExtractRequest struct {
	ArchiveHash string
	EKey        casctypes.EKey
}

// Extractor implements the per-archive extraction pipeline of spec.md
// §4.10: fetch and cache each archive's index, look up requested EKeys,
// coalesce their byte ranges, issue range fetches through a bounded
// dispatcher, and decode each response as a local-framed BLTE block.
type Extractor struct {
	fetchIndex ArchiveIndexSource
	fetchRange RangeSource
	coalescer  *AdvancedRangeCoalescer
	bandwidth  *BandwidthMonitor
	dispatcher *Dispatcher
	keys       blte.KeyStore

	mu         sync.Mutex
	indexCache map[string]*ArchiveIndex
	indexGroup singleflight.Group
}

// NewExtractor constructs an Extractor. keys may be nil if no archive
// content is encrypted.
func NewExtractor(fetchIndex ArchiveIndexSource, fetchRange RangeSource, coalescer *AdvancedRangeCoalescer, bandwidth *BandwidthMonitor, dispatcher *Dispatcher, keys blte.KeyStore) *Extractor {
	if bandwidth == nil {
		bandwidth = NewBandwidthMonitor(0, 0)
	}
	return &Extractor{
		fetchIndex: fetchIndex,
		fetchRange: fetchRange,
		coalescer:  coalescer,
		bandwidth:  bandwidth,
		dispatcher: dispatcher,
		keys:       keys,
		indexCache: make(map[string]*ArchiveIndex),
	}
}

// archiveIndexFor returns the parsed, cached ArchiveIndex for
// archiveHash, fetching and parsing it at most once concurrently even
// when multiple ExtractBatch calls race on the same archive.
func (e *Extractor) archiveIndexFor(ctx context.Context, archiveHash string) (*ArchiveIndex, error) {
	e.mu.Lock()
	if idx, ok := e.indexCache[archiveHash]; ok {
		e.mu.Unlock()
		return idx, nil
	}
	e.mu.Unlock()

	v, err, _ := e.indexGroup.Do(archiveHash, func() (any, error) {
		raw, err := e.fetchIndex(ctx, archiveHash)
		if err != nil {
			return nil, err
		}
		idx, err := ParseArchiveIndex(raw)
		if err != nil {
			return nil, err
		}
		log.Debugw("cached archive index", "archive", archiveHash, "entries", idx.Count(), "checksum", idx.Checksum())
		e.mu.Lock()
		e.indexCache[archiveHash] = idx
		e.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ArchiveIndex), nil
}

// ExtractBatch resolves every request to its decoded content bytes,
// keyed by EKey. Requests against the same archive are grouped so their
// byte ranges can be coalesced before fetching.
func (e *Extractor) ExtractBatch(ctx context.Context, requests []ExtractRequest, priority Priority) (map[casctypes.EKey][]byte, error) {
	byArchive := make(map[string][]ExtractRequest)
	for _, r := range requests {
		byArchive[r.ArchiveHash] = append(byArchive[r.ArchiveHash], r)
	}

	results := make(map[casctypes.EKey][]byte, len(requests))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make(chan error, len(byArchive))

	for archiveHash, reqs := range byArchive {
		archiveHash, reqs := archiveHash, reqs
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.extractFromArchive(ctx, archiveHash, reqs, priority, &mu, results); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

type locatedRequest struct {
	ekey casctypes.EKey
	r    Range
}

func (e *Extractor) extractFromArchive(ctx context.Context, archiveHash string, reqs []ExtractRequest, priority Priority, mu *sync.Mutex, results map[casctypes.EKey][]byte) error {
	idx, err := e.archiveIndexFor(ctx, archiveHash)
	if err != nil {
		return fmt.Errorf("cdn: fetching archive index %s: %w", archiveHash, err)
	}

	locs := make([]locatedRequest, 0, len(reqs))
	for _, req := range reqs {
		entry, ok := idx.Lookup(req.EKey.Truncated())
		if !ok {
			return &casctypes.NotFoundError{Key: req.EKey.String()}
		}
		locs = append(locs, locatedRequest{
			ekey: req.EKey,
			r:    Range{Start: int64(entry.ArchiveOffset), End: int64(entry.ArchiveOffset) + int64(entry.Size)},
		})
	}

	ranges := make([]Range, len(locs))
	for i, l := range locs {
		ranges[i] = l.r
	}
	coalesced := e.coalescer.Coalesce(ranges, e.bandwidth.MovingAverage(time.Now()))
	log.Debugw("coalesced archive ranges", "archive", archiveHash, "requested", len(ranges), "fetched", len(coalesced.Ranges), "bytes_saved", coalesced.BytesSaved)

	fetched := make([]<-chan Result, len(coalesced.Ranges))
	for i, r := range coalesced.Ranges {
		r := r
		fetched[i] = e.dispatcher.Submit(Request{
			ID:       fmt.Sprintf("%s:%d-%d", archiveHash, r.Start, r.End),
			Priority: priority,
			Enqueued: time.Now(),
			Fetch: func(ctx context.Context) ([]byte, error) {
				return e.fetchRange(ctx, archiveHash, r)
			},
		})
	}

	blobs := make([][]byte, len(coalesced.Ranges))
	for i, ch := range fetched {
		res := <-ch
		if res.Err != nil {
			return fmt.Errorf("cdn: fetching range %d-%d from archive %s: %w", coalesced.Ranges[i].Start, coalesced.Ranges[i].End, archiveHash, res.Err)
		}
		blobs[i] = res.Data
	}

	for _, l := range locs {
		blockIdx := sliceIndexForRange(coalesced.Ranges, l.r)
		if blockIdx < 0 {
			return fmt.Errorf("cdn: internal error locating coalesced range for %s", l.ekey)
		}
		base := coalesced.Ranges[blockIdx].Start
		offsetWithin := l.r.Start - base
		raw := blobs[blockIdx][offsetWithin : offsetWithin+l.r.length()]

		decoded, err := decodeLocalFrame(raw, e.keys)
		if err != nil {
			return fmt.Errorf("cdn: decoding %s: %w", l.ekey, err)
		}

		mu.Lock()
		results[l.ekey] = decoded
		mu.Unlock()
	}
	return nil
}

// decodeLocalFrame strips the first 30 bytes as the local archive frame
// header whenever data is at least that long (UnmarshalFrame accepts any
// 30 bytes) and BLTE-decodes the remainder, per spec.md §4.10 step 3.
func decodeLocalFrame(data []byte, keys blte.KeyStore) ([]byte, error) {
	if len(data) >= archive.FrameSize {
		if _, err := archive.UnmarshalFrame(data[:archive.FrameSize]); err == nil {
			data = data[archive.FrameSize:]
		}
	}
	return blte.Decode(data, keys)
}

func sliceIndexForRange(ranges []Range, r Range) int {
	for i, candidate := range ranges {
		if r.Start >= candidate.Start && r.End <= candidate.End {
			return i
		}
	}
	return -1
}
