// Package monitoring provides the engine's counters, decompression latency
// tracking and health rules.
//
// Design Philosophy:
// - Lock-free counters on the hot path; the only lock guards the latency ring
// - Bounded memory: latency samples live in a fixed-size ring
// - Health is derived from counters on demand, with no background loop
package monitoring

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/foldcache/foldcache/pkg/models"
)

// DefaultLatencySamples is the ring size used by NewCollector.
const DefaultLatencySamples = 4096

// Metric names an engine counter.
type Metric string

const (
	MetricHit           Metric = "hit"
	MetricMiss          Metric = "miss"
	MetricEviction      Metric = "eviction"
	MetricCompression   Metric = "compression"
	MetricRecompression Metric = "recompression"
	MetricSpill         Metric = "spill"
	MetricSpillFailure  Metric = "spill_failure"
	MetricCorruption    Metric = "corruption"
	MetricDeduplicated  Metric = "deduplicated"
)

// Collector accumulates engine counters and decompression latencies.
//
// Design: atomic counters for every event type, plus a mutex-guarded ring
// buffer for latency samples.
//
// Thread Safety: all methods are safe for concurrent use.
type Collector struct {
	hits           atomic.Int64
	misses         atomic.Int64
	evictions      atomic.Int64
	compressions   atomic.Int64
	recompressions atomic.Int64
	spills         atomic.Int64
	spillFailures  atomic.Int64
	corruptions    atomic.Int64
	deduplicated   atomic.Int64

	latencies *RingBuffer
}

// NewCollector creates a Collector with a DefaultLatencySamples ring.
func NewCollector() *Collector {
	return &Collector{latencies: NewRingBuffer(DefaultLatencySamples)}
}

// Add increments the counter for metric by n.
// Complexity: O(1).
func (c *Collector) Add(metric Metric, n int64) {
	switch metric {
	case MetricHit:
		c.hits.Add(n)
	case MetricMiss:
		c.misses.Add(n)
	case MetricEviction:
		c.evictions.Add(n)
	case MetricCompression:
		c.compressions.Add(n)
	case MetricRecompression:
		c.recompressions.Add(n)
	case MetricSpill:
		c.spills.Add(n)
	case MetricSpillFailure:
		c.spillFailures.Add(n)
	case MetricCorruption:
		c.corruptions.Add(n)
	case MetricDeduplicated:
		c.deduplicated.Add(n)
	}
}

// Inc increments the counter for metric by one.
func (c *Collector) Inc(metric Metric) {
	c.Add(metric, 1)
}

// ObserveDecompress records one decompression latency.
func (c *Collector) ObserveDecompress(d time.Duration) {
	c.latencies.Add(d)
}

// Counters is a snapshot of the collector's counters.
type Counters struct {
	Hits           int64
	Misses         int64
	Evictions      int64
	Compressions   int64
	Recompressions int64
	Spills         int64
	SpillFailures  int64
	Corruptions    int64
	Deduplicated   int64
}

// Counters returns the current counter values. Counters are read one at a
// time, so a snapshot taken under load may mix adjacent updates.
func (c *Collector) Counters() Counters {
	return Counters{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Evictions:      c.evictions.Load(),
		Compressions:   c.compressions.Load(),
		Recompressions: c.recompressions.Load(),
		Spills:         c.spills.Load(),
		SpillFailures:  c.spillFailures.Load(),
		Corruptions:    c.corruptions.Load(),
		Deduplicated:   c.deduplicated.Load(),
	}
}

// Fill copies the counters and latency summary into stats.
func (c *Collector) Fill(stats *models.Statistics) {
	counters := c.Counters()
	stats.Hits = counters.Hits
	stats.Misses = counters.Misses
	stats.Evictions = counters.Evictions
	stats.Compressions = counters.Compressions
	stats.Recompressions = counters.Recompressions
	stats.Spills = counters.Spills
	stats.SpillFailures = counters.SpillFailures
	stats.Corruptions = counters.Corruptions
	stats.Deduplicated = counters.Deduplicated
	stats.CacheHitRate = models.HitRate(counters.Hits, counters.Misses)
	stats.DecompressLatency = c.LatencySummary()
}

// LatencySummary summarizes the retained decompression latencies.
func (c *Collector) LatencySummary() models.LatencySummary {
	return models.CalculateLatencySummary(c.latencies.Samples())
}

// RingBuffer keeps the most recent latency samples.
//
// Complexity: Add O(1), Samples O(n) where n = buffer size.
type RingBuffer struct {
	mu     sync.Mutex
	buffer []time.Duration
	next   int
	full   bool
}

// NewRingBuffer creates a ring holding up to size samples.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{buffer: make([]time.Duration, size)}
}

// Add records a sample, overwriting the oldest once the ring is full.
func (rb *RingBuffer) Add(d time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.next] = d
	rb.next++
	if rb.next == len(rb.buffer) {
		rb.next = 0
		rb.full = true
	}
}

// Samples returns the retained samples, oldest first.
func (rb *RingBuffer) Samples() []time.Duration {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		out := make([]time.Duration, rb.next)
		copy(out, rb.buffer[:rb.next])
		return out
	}
	out := make([]time.Duration, 0, len(rb.buffer))
	out = append(out, rb.buffer[rb.next:]...)
	return append(out, rb.buffer[:rb.next]...)
}

// Len returns the number of retained samples.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return len(rb.buffer)
	}
	return rb.next
}
