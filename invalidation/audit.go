// Package invalidation keeps an audit trail of units the engine removes:
// explicit removals, pattern removals, deduplication and eviction sweeps.
//
// Design decisions:
//   - Append-only, bounded ring: the oldest entries are dropped once the
//     capacity is reached, so the trail never grows with the cache
//   - Entries carry the operation ID of the pass that produced them, so a
//     removal can be matched to its log lines
//   - Queries return copies; callers never see the ring's backing storage
package invalidation

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/foldcache/foldcache/pkg/utils"
)

// DefaultCapacity is the number of entries NewAuditLogger keeps when given
// a non-positive capacity.
const DefaultCapacity = 1024

// Trigger identifies what removed the keys in an entry.
type Trigger string

const (
	TriggerRemove      Trigger = "remove"
	TriggerPattern     Trigger = "pattern"
	TriggerDeduplicate Trigger = "deduplicate"
	TriggerEviction    Trigger = "eviction"
)

// AuditLog is one removal event.
type AuditLog struct {
	ID          int64         `json:"id"`
	Pattern     string        `json:"pattern"` // Pattern or key removed
	Keys        []string      `json:"keys"`    // Keys actually removed
	TriggeredBy Trigger       `json:"triggered_by"`
	Timestamp   time.Time     `json:"timestamp"`
	OperationID string        `json:"operation_id,omitempty"`
	Latency     time.Duration `json:"latency"`
}

// AuditStats aggregates entries since a point in time.
type AuditStats struct {
	TotalEntries        int64             `json:"total_entries"`
	ByTrigger           map[Trigger]int64 `json:"by_trigger"`
	AvgLatency          time.Duration     `json:"avg_latency"`
	TotalKeysAffected   int64             `json:"total_keys_affected"`
	MostFrequentPattern string            `json:"most_frequent_pattern"`
}

// AuditLogger stores removal events in memory.
//
// Thread Safety: all methods are safe for concurrent use.
type AuditLogger struct {
	mu       sync.Mutex
	entries  []AuditLog // ring, oldest at head once full
	head     int
	full     bool
	nextID   int64
	capacity int
	now      func() time.Time
}

// NewAuditLogger creates a logger keeping the last capacity entries.
func NewAuditLogger(capacity int) *AuditLogger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &AuditLogger{
		entries:  make([]AuditLog, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Insert appends an entry, assigning its ID and, when unset, its
// timestamp. Entries with no keys are ignored.
//
// Complexity: O(1)
func (al *AuditLogger) Insert(log AuditLog) {
	if len(log.Keys) == 0 {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.nextID++
	log.ID = al.nextID
	log.Keys = slices.Clone(log.Keys)
	if log.Timestamp.IsZero() {
		log.Timestamp = al.now()
	}

	if !al.full {
		al.entries = append(al.entries, log)
		if len(al.entries) == al.capacity {
			al.full = true
		}
		return
	}
	al.entries[al.head] = log
	al.head = (al.head + 1) % al.capacity
}

// orderedUnsafe returns entries newest first. Must be called with the lock
// held.
func (al *AuditLogger) orderedUnsafe() []AuditLog {
	out := make([]AuditLog, 0, len(al.entries))
	n := len(al.entries)
	for i := 0; i < n; i++ {
		idx := n - 1 - i
		if al.full {
			idx = (al.head - 1 - i + n) % n
		}
		entry := al.entries[idx]
		entry.Keys = slices.Clone(entry.Keys)
		out = append(out, entry)
	}
	return out
}

// GetRecent returns entries newest first with pagination. A non-empty
// patternFilter keeps only entries with at least one key matching it.
// Complexity: O(n) in the retained entries
func (al *AuditLogger) GetRecent(limit, offset int, patternFilter string) ([]AuditLog, error) {
	var pattern utils.KeyPattern
	if patternFilter != "" {
		var err error
		if pattern, err = utils.CompilePattern(patternFilter); err != nil {
			return nil, err
		}
	}

	al.mu.Lock()
	entries := al.orderedUnsafe()
	al.mu.Unlock()

	if patternFilter != "" {
		entries = slices.DeleteFunc(entries, func(e AuditLog) bool {
			return !slices.ContainsFunc(e.Keys, pattern.Match)
		})
	}

	if offset >= len(entries) {
		return []AuditLog{}, nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// GetCount returns the number of retained entries.
func (al *AuditLogger) GetCount() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.entries)
}

// GetByOperationID returns the entries recorded by one operation, oldest
// first.
func (al *AuditLogger) GetByOperationID(operationID string) []AuditLog {
	al.mu.Lock()
	entries := al.orderedUnsafe()
	al.mu.Unlock()

	var out []AuditLog
	for _, e := range entries {
		if e.OperationID == operationID {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	return out
}

// GetStats aggregates retained entries recorded at or after since.
func (al *AuditLogger) GetStats(since time.Time) AuditStats {
	al.mu.Lock()
	entries := al.orderedUnsafe()
	al.mu.Unlock()

	stats := AuditStats{ByTrigger: make(map[Trigger]int64)}
	patterns := make(map[string]int64)
	var latency time.Duration
	for _, e := range entries {
		if e.Timestamp.Before(since) {
			continue
		}
		stats.TotalEntries++
		stats.ByTrigger[e.TriggeredBy]++
		stats.TotalKeysAffected += int64(len(e.Keys))
		latency += e.Latency
		patterns[e.Pattern]++
	}
	if stats.TotalEntries > 0 {
		stats.AvgLatency = latency / time.Duration(stats.TotalEntries)
	}

	// Ties go to the lexicographically smallest pattern.
	var best int64
	for _, p := range slices.Sorted(maps.Keys(patterns)) {
		if patterns[p] > best {
			best = patterns[p]
			stats.MostFrequentPattern = p
		}
	}
	return stats
}
