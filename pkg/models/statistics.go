package models

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Statistics is a point-in-time snapshot of engine counters and gauges.
//
// Design: Uses primitive types so snapshots are cheap to copy and encode.
// All fields are exported for direct access but should be treated as
// immutable after creation.
type Statistics struct {
	Timestamp time.Time `json:"timestamp"`

	// Counters
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Evictions      int64 `json:"evictions"`
	Compressions   int64 `json:"compressions"`
	Recompressions int64 `json:"recompressions"`
	Spills         int64 `json:"spills"`
	SpillFailures  int64 `json:"spill_failures"`
	Corruptions    int64 `json:"corruptions"`
	Deduplicated   int64 `json:"deduplicated"`

	// Gauges
	TotalUnits          int     `json:"total_units"`
	HotSetSize          int     `json:"hot_set_size"`
	SpilledUnits        int     `json:"spilled_units"`
	TotalCompressedMB   float64 `json:"total_compressed_mb"`
	SecondaryUsedBytes  int64   `json:"secondary_used_bytes"`
	UniqueContentCount  int     `json:"unique_content_count"`
	AvgCompressionRatio float64 `json:"avg_compression_ratio"`

	// Derived
	CacheHitRate       float64 `json:"cache_hit_rate"`
	DeduplicationRatio float64 `json:"deduplication_ratio"`

	DecompressLatency LatencySummary `json:"decompress_latency"`
}

// HitRate returns hits / (hits + misses), or 0 with no requests.
func HitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// DeduplicationRatio returns the fraction of units whose content duplicates
// another unit: 1 - unique/total. 0 means every unit is distinct.
func DeduplicationRatio(unique, total int) float64 {
	if total == 0 {
		return 0
	}
	return 1 - float64(unique)/float64(total)
}

// BytesToMB converts a byte count to mebibytes.
func BytesToMB(n int64) float64 {
	return float64(n) / (1024 * 1024)
}

// TotalRequests returns the number of Get calls the snapshot covers.
func (s *Statistics) TotalRequests() int64 {
	return s.Hits + s.Misses
}

// MetricMap flattens the snapshot into Prometheus-style names.
//
// Usage:
//
//	for name, value := range stats.MetricMap("foldcache") {
//	    fmt.Printf("%s %g\n", name, value)
//	}
func (s *Statistics) MetricMap(prefix string) map[string]float64 {
	m := map[string]float64{
		"hits_total":            float64(s.Hits),
		"misses_total":          float64(s.Misses),
		"evictions_total":       float64(s.Evictions),
		"compressions_total":    float64(s.Compressions),
		"recompressions_total":  float64(s.Recompressions),
		"spills_total":          float64(s.Spills),
		"spill_failures_total":  float64(s.SpillFailures),
		"corruptions_total":     float64(s.Corruptions),
		"deduplicated_total":    float64(s.Deduplicated),
		"units":                 float64(s.TotalUnits),
		"hot_set_size":          float64(s.HotSetSize),
		"spilled_units":         float64(s.SpilledUnits),
		"compressed_mb":         s.TotalCompressedMB,
		"secondary_used_bytes":  float64(s.SecondaryUsedBytes),
		"unique_content":        float64(s.UniqueContentCount),
		"compression_ratio_avg": s.AvgCompressionRatio,
		"hit_rate":              s.CacheHitRate,
		"deduplication_ratio":   s.DeduplicationRatio,
		"decompress_p50_us":     float64(s.DecompressLatency.P50.Microseconds()),
		"decompress_p99_us":     float64(s.DecompressLatency.P99.Microseconds()),
	}

	out := make(map[string]float64, len(m))
	for name, value := range m {
		out[fmt.Sprintf("%s_%s", prefix, name)] = value
	}
	return out
}

// LatencySummary provides statistical summary of latency measurements.
//
// Memory: Fixed size struct (no allocations for updates).
// Thread Safety: Caller must synchronize access.
type LatencySummary struct {
	Count uint64        `json:"count"`
	Sum   time.Duration `json:"sum"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P99   time.Duration `json:"p99"`
}

// CalculateLatencySummary computes a summary from raw samples.
// Complexity: O(n log n) due to sorting for percentiles.
func CalculateLatencySummary(samples []time.Duration) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, sample := range sorted {
		sum += sample
	}

	return LatencySummary{
		Count: uint64(len(sorted)),
		Sum:   sum,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   percentileDuration(sorted, 0.50),
		P90:   percentileDuration(sorted, 0.90),
		P99:   percentileDuration(sorted, 0.99),
	}
}

// Avg returns the mean latency.
func (ls *LatencySummary) Avg() time.Duration {
	if ls.Count == 0 {
		return 0
	}
	return ls.Sum / time.Duration(ls.Count)
}

// percentileDuration calculates the p-th percentile from sorted durations.
func percentileDuration(samples []time.Duration, p float64) time.Duration {
	index := p * float64(len(samples)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return samples[lower]
	}

	// Linear interpolation
	weight := index - float64(lower)
	return time.Duration(float64(samples[lower])*(1-weight) + float64(samples[upper])*weight)
}
