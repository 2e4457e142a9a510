// Package metrics declares the prometheus instrumentation cascore's
// storage and extraction packages report through, grounded on
// metrics/metrics.go's package-level promauto var style (one CounterVec/
// GaugeVec/HistogramVec per concern, labeled rather than split into many
// metric names).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ArchiveBytesRead counts bytes read from .data.NNN archive files,
// labeled by whether the read was a raw range or a decoded content read.
var ArchiveBytesRead = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cascore_archive_bytes_read_total",
		Help: "Bytes read from local CASC archive files",
	},
	[]string{"kind"},
)

// ArchiveBytesWritten counts bytes appended to the thawed archive segment.
var ArchiveBytesWritten = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cascore_archive_bytes_written_total",
		Help: "Bytes written to the thawed CASC archive segment",
	},
	[]string{"archive_id"},
)

// KmtLookupLatency times KMT Lookup calls, split by whether the match
// came from the update section or the sorted section.
var KmtLookupLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "cascore_kmt_lookup_latency_seconds",
		Help:    "KMT lookup latency",
		Buckets: prometheus.ExponentialBuckets(0.000001, 10, 8),
	},
	[]string{"hit_section"},
)

// KmtFlushDuration times FlushUpdatesForBucket merge+rename cycles.
var KmtFlushDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "cascore_kmt_flush_duration_seconds",
		Help:    "KMT update-section flush (merge + atomic rename) duration",
		Buckets: prometheus.ExponentialBuckets(0.0001, 10, 8),
	},
)

// CompactionBytesSaved sums bytes reclaimed by ExtractCompact and
// ArchiveMerge runs, labeled by compaction mode.
var CompactionBytesSaved = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cascore_compaction_bytes_saved_total",
		Help: "Bytes reclaimed by archive compaction",
	},
	[]string{"mode"},
)

// ResolverCacheHits counts resolver.Cache Get outcomes, labeled by class
// (root/encoding/content) and hit/miss.
var ResolverCacheHits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cascore_resolver_cache_result_total",
		Help: "Resolver fingerprint cache hit/miss counts",
	},
	[]string{"class", "result"},
)

// CdnBandwidthBytes records bytes transferred per completed CDN range
// fetch, feeding the same windowed-average computation the bandwidth
// monitor keeps in-process.
var CdnBandwidthBytes = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "cascore_cdn_bandwidth_bytes_total",
		Help: "Bytes transferred by completed CDN range fetches",
	},
)

// CdnRangeCoalesced counts how many originally-requested ranges were
// merged into fewer dispatched HTTP ranges.
var CdnRangeCoalesced = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "cascore_cdn_ranges_coalesced",
		Help:    "Number of requested ranges merged per coalesce call",
		Buckets: prometheus.LinearBuckets(1, 4, 10),
	},
)

// CdnRequestLatency times dispatcher round trips, labeled by priority.
var CdnRequestLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "cascore_cdn_request_latency_seconds",
		Help:    "CDN range request latency from enqueue to completion",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 8),
	},
	[]string{"priority"},
)
