package cdn

import (
	"container/ring"
	"sync"
	"time"

	"github.com/wowserhq/cascore/internal/metrics"
)

// bandwidthSample is one completed transfer's throughput observation.
type bandwidthSample struct {
	bytes    int64
	duration time.Duration
	at       time.Time
}

// BandwidthMonitor tracks recent transfer throughput using a fixed-size
// ring buffer of samples, grounded on the same moving-window idea
// range-cache/range-cache.go applies to its LRU (bounded, evict-oldest),
// adapted here to a time-windowed average rather than an access-order
// list.
type BandwidthMonitor struct {
	mu     sync.Mutex
	window time.Duration
	r      *ring.Ring
	size   int
	peak   float64
}

// defaultWindow matches spec.md §4.10's default 60s moving-average
// window.
const defaultWindow = 60 * time.Second

// NewBandwidthMonitor constructs a monitor with capacity samples and a
// window-length moving average.
func NewBandwidthMonitor(capacity int, window time.Duration) *BandwidthMonitor {
	if capacity <= 0 {
		capacity = 256
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &BandwidthMonitor{window: window, r: ring.New(capacity), size: capacity}
}

// Record reports a completed transfer of the given size over duration.
func (m *BandwidthMonitor) Record(bytes int64, duration time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.r.Value = bandwidthSample{bytes: bytes, duration: duration, at: now}
	m.r = m.r.Next()

	if mbps := mbpsOf(bytes, duration); mbps > m.peak {
		m.peak = mbps
	}
	metrics.CdnBandwidthBytes.Add(float64(bytes))
}

func mbpsOf(bytes int64, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	bits := float64(bytes) * 8
	return (bits / duration.Seconds()) / 1_000_000
}

// Current returns the most recent sample's instantaneous throughput, or
// 0 if no samples have been recorded.
func (m *BandwidthMonitor) Current() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest bandwidthSample
	m.r.Do(func(v any) {
		if v == nil {
			return
		}
		s := v.(bandwidthSample)
		if s.at.After(latest.at) {
			latest = s
		}
	})
	return mbpsOf(latest.bytes, latest.duration)
}

// Peak returns the highest instantaneous throughput observed since
// construction.
func (m *BandwidthMonitor) Peak() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Average returns the mean instantaneous throughput across every sample
// still present in the ring (unwindowed).
func (m *BandwidthMonitor) Average() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	var count int
	m.r.Do(func(v any) {
		if v == nil {
			return
		}
		s := v.(bandwidthSample)
		total += mbpsOf(s.bytes, s.duration)
		count++
	})
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// MovingAverage returns throughput averaged over bytes/duration summed
// across samples recorded within the trailing window ending at now.
func (m *BandwidthMonitor) MovingAverage(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var totalBytes int64
	var totalDuration time.Duration
	cutoff := now.Add(-m.window)
	m.r.Do(func(v any) {
		if v == nil {
			return
		}
		s := v.(bandwidthSample)
		if s.at.Before(cutoff) {
			return
		}
		totalBytes += s.bytes
		totalDuration += s.duration
	})
	return mbpsOf(totalBytes, totalDuration)
}
