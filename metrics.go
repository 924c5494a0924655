package goRefresh

import (
	"sync/atomic"
	"time"
)

// MetricID names one engine counter or histogram.
type MetricID uint16

const (
	// MetricIssueSuccess counts new families started.
	MetricIssueSuccess MetricID = iota
	// MetricIssueFailure counts failed issues.
	MetricIssueFailure
	// MetricRotateSuccess counts committed rotations.
	MetricRotateSuccess
	// MetricRotateNotFound counts malformed, unknown, and wrong-session tokens.
	MetricRotateNotFound
	// MetricRotateExpired counts rotations refused for expiry.
	MetricRotateExpired
	// MetricRotateRateLimited counts throttled rotations.
	MetricRotateRateLimited
	// MetricRotateFailure counts store and generation failures.
	MetricRotateFailure
	// MetricReplayDetected counts presentations of consumed or revoked tokens.
	MetricReplayDetected
	// MetricRotateRaceLost counts rotations that lost the consume compare-and-set.
	MetricRotateRaceLost
	// MetricFamilyBurned counts family revocations from any cause.
	MetricFamilyBurned
	// MetricTokensRevoked counts individual records transitioned to revoked.
	MetricTokensRevoked
	// MetricSessionRevoked counts explicit session revocations.
	MetricSessionRevoked
	// MetricSessionVersionBumped counts version increments.
	MetricSessionVersionBumped
	// MetricTokensExpired counts records revoked by expiry sweeps.
	MetricTokensExpired
	// MetricSweepRun counts completed sweeps.
	MetricSweepRun
	// MetricSweepFailure counts sweeps that returned an error.
	MetricSweepFailure
	// MetricAccessValid counts accepted access tokens.
	MetricAccessValid
	// MetricAccessInvalid counts access tokens failing signature or claims.
	MetricAccessInvalid
	// MetricAccessStale counts access tokens rejected for an old session version.
	MetricAccessStale
	// MetricRotateLatency is the rotation latency histogram.
	MetricRotateLatency
	// MetricSweepLatency is the sweep latency histogram.
	MetricSweepLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets  [histBucketCount]uint64
	sumNanos uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters, each on its own cache line.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter and enabled histogram.
// HistogramSums holds the total observed duration per histogram.
type MetricsSnapshot struct {
	Counters      map[MetricID]uint64
	Histograms    map[MetricID][]uint64
	HistogramSums map[MetricID]time.Duration
}

// NewMetrics returns a Metrics honoring cfg. A disabled Metrics is safe to use
// and records nothing.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether histograms are recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	m.Add(id, 1)
}

// Add adds n to id.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount || n == 0 {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

// Observe records d in the histogram id. Non-latency ids are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || !isLatencyMetric(id) {
		return
	}
	if d < 0 {
		d = 0
	}
	h := &m.histograms[id]
	atomic.AddUint64(&h.sumNanos, uint64(d))
	atomic.AddUint64(&h.buckets[bucketIndex(d)], 1)
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter, and the histograms when latency is enabled.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:      map[MetricID]uint64{},
			Histograms:    map[MetricID][]uint64{},
			HistogramSums: map[MetricID]time.Duration{},
		}
	}

	s := MetricsSnapshot{
		Counters:      make(map[MetricID]uint64, int(metricIDCount)),
		Histograms:    make(map[MetricID][]uint64, len(latencyMetrics)),
		HistogramSums: make(map[MetricID]time.Duration, len(latencyMetrics)),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		if isLatencyMetric(id) {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		for _, id := range latencyMetrics {
			buckets := make([]uint64, histBucketCount)
			for i := 0; i < histBucketCount; i++ {
				buckets[i] = atomic.LoadUint64(&m.histograms[id].buckets[i])
			}
			s.Histograms[id] = buckets
			s.HistogramSums[id] = time.Duration(atomic.LoadUint64(&m.histograms[id].sumNanos))
		}
	}
	return s
}

var latencyMetrics = [...]MetricID{MetricRotateLatency, MetricSweepLatency}

func isLatencyMetric(id MetricID) bool {
	return id == MetricRotateLatency || id == MetricSweepLatency
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
