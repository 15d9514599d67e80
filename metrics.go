package bdus

import (
	"sync/atomic"
	"time"

	"github.com/gobdus/bdus/internal/wire"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// from 1us to 10s with logarithmic spacing, unchanged from the
// teacher's metrics.go.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// numItemKinds is one past the highest wire.ItemType value, sizing
// Metrics.items as a dense array indexed directly by ItemType rather
// than the teacher's fixed ReadOps/WriteOps/DiscardOps/FlushOps field
// set, generalized to the full §6.4 item taxonomy.
const numItemKinds = int(wire.ItemIOCTL) + 1

type itemCounters struct {
	Ops    atomic.Uint64
	Bytes  atomic.Uint64
	Errors atomic.Uint64
}

// Metrics tracks per-item-type operation counts, byte counts, errors,
// and a shared latency histogram, grounded on the teacher's Metrics
// type regrouped from its ublk-op-specific fields to §6.4's item
// taxonomy.
type Metrics struct {
	items [numItemKinds]itemCounters

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new, running metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Record accounts for one completed item of type t, success reporting
// whether it completed without error.
func (m *Metrics) Record(t wire.ItemType, bytes uint64, latencyNs uint64, success bool) {
	if int(t) >= numItemKinds {
		return
	}
	c := &m.items[t]
	c.Ops.Add(1)
	if success {
		c.Bytes.Add(bytes)
	} else {
		c.Errors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records the inverter's current outstanding-request
// count for queue-depth statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped, freezing uptime calculations.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Reset zeroes every counter and restarts the uptime clock.
func (m *Metrics) Reset() {
	for i := range m.items {
		m.items[i] = itemCounters{}
	}
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := range m.LatencyBuckets {
		m.LatencyBuckets[i].Store(0)
	}
	m.StopTime.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
}

// ItemKindSnapshot is a point-in-time count for one item type.
type ItemKindSnapshot struct {
	Type   wire.ItemType
	Ops    uint64
	Bytes  uint64
	Errors uint64
}

// MetricsSnapshot is a point-in-time view of Metrics.
type MetricsSnapshot struct {
	Items []ItemKindSnapshot

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64
}

// Snapshot creates a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var snap MetricsSnapshot
	snap.MaxQueueDepth = m.MaxQueueDepth.Load()

	var totalErrors uint64
	for i := 0; i < numItemKinds; i++ {
		t := wire.ItemType(i)
		if t.IsPseudo() {
			continue
		}
		c := &m.items[i]
		ops, bytes, errs := c.Ops.Load(), c.Bytes.Load(), c.Errors.Load()
		if ops == 0 {
			continue
		}
		snap.Items = append(snap.Items, ItemKindSnapshot{Type: t, Ops: ops, Bytes: bytes, Errors: errs})
		snap.TotalOps += ops
		snap.TotalBytes += bytes
		totalErrors += errs
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection, called from the
// device pump loop on every completed real item and periodically with
// queue depth.
type Observer interface {
	Observe(t wire.ItemType, bytes uint64, latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) Observe(wire.ItemType, uint64, uint64, bool) {}
func (NoOpObserver) ObserveQueueDepth(uint32)                    {}

// MetricsObserver is an Observer that records into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer recording into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) Observe(t wire.ItemType, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.Record(t, bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
