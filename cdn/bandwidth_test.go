package cdn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBandwidthMonitorCurrentAndPeak(t *testing.T) {
	m := NewBandwidthMonitor(8, time.Minute)
	base := time.Unix(1000, 0)

	m.Record(1_000_000, time.Second, base)             // 8 Mb/s
	m.Record(10_000_000, time.Second, base.Add(time.Second)) // 80 Mb/s

	require.InDelta(t, 80, m.Current(), 0.001)
	require.InDelta(t, 80, m.Peak(), 0.001)
}

func TestBandwidthMonitorAverage(t *testing.T) {
	m := NewBandwidthMonitor(8, time.Minute)
	base := time.Unix(2000, 0)

	m.Record(1_000_000, time.Second, base)
	m.Record(1_000_000, time.Second, base.Add(time.Second))

	require.InDelta(t, 8, m.Average(), 0.001)
}

func TestBandwidthMonitorMovingAverageExcludesOldSamples(t *testing.T) {
	m := NewBandwidthMonitor(8, 10*time.Second)
	base := time.Unix(3000, 0)

	m.Record(1_000_000, time.Second, base)                    // old, outside window later
	m.Record(2_000_000, time.Second, base.Add(20*time.Second)) // within window of now

	now := base.Add(25 * time.Second)
	// Only the second sample (2,000,000 bytes over 1s) falls within the
	// trailing 10s window ending at now.
	require.InDelta(t, 16, m.MovingAverage(now), 0.001)
}

func TestBandwidthMonitorWrapsRingCapacity(t *testing.T) {
	m := NewBandwidthMonitor(2, time.Minute)
	base := time.Unix(4000, 0)

	m.Record(1_000_000, time.Second, base)
	m.Record(1_000_000, time.Second, base.Add(time.Second))
	m.Record(8_000_000, time.Second, base.Add(2*time.Second)) // evicts the first sample

	require.InDelta(t, 64, m.Current(), 0.001)
	require.InDelta(t, 64, m.Peak(), 0.001)
}

func TestBandwidthMonitorNoSamplesReturnsZero(t *testing.T) {
	m := NewBandwidthMonitor(4, time.Minute)
	require.Zero(t, m.Current())
	require.Zero(t, m.Peak())
	require.Zero(t, m.Average())
}
