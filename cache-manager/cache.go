package cachemanager

import (
	"container/list"
	"sync"

	"github.com/foldcache/foldcache/pkg/models"
)

type hotEntry struct {
	key     string
	unit    *models.Unit
	element *list.Element // for O(1) removal
}

// HotSet is the bounded, most-recently-used set of materialized units.
// Its ordering is independent of the Index recency buckets.
//
// Trade-offs:
// - Mutex over sync.Map: LRU needs ordered iteration and atomic eviction.
// - Put reports the displaced unit instead of evicting it, so the caller
//   releases the materialized value outside this lock.
type HotSet struct {
	mu       sync.Mutex
	entries  map[string]*hotEntry
	lruList  *list.List
	capacity int
}

// NewHotSet creates a hot-set holding at most capacity units.
func NewHotSet(capacity int) *HotSet {
	return &HotSet{
		entries:  make(map[string]*hotEntry, capacity),
		lruList:  list.New(),
		capacity: capacity,
	}
}

// Get returns the unit for key and promotes it to most recently used.
// Complexity: O(1).
func (h *HotSet) Get(key string) (*models.Unit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[key]
	if !ok {
		return nil, false
	}
	h.lruList.MoveToFront(entry.element)
	return entry.unit, true
}

// Contains reports whether key is hot without changing its position.
func (h *HotSet) Contains(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.entries[key]
	return ok
}

// Put inserts or refreshes u as most recently used. If the set was full,
// the least recently used unit is removed and returned.
// Complexity: O(1).
func (h *HotSet) Put(u *models.Unit) (evicted *models.Unit) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := u.Key()
	if entry, ok := h.entries[key]; ok {
		if entry.unit != u {
			evicted = entry.unit
		}
		entry.unit = u
		h.lruList.MoveToFront(entry.element)
		return evicted
	}

	if h.lruList.Len() >= h.capacity {
		evicted = h.evictLRUUnsafe()
	}

	entry := &hotEntry{key: key, unit: u}
	entry.element = h.lruList.PushFront(entry)
	h.entries[key] = entry
	return evicted
}

// Remove drops key from the set and returns its unit.
func (h *HotSet) Remove(key string) (*models.Unit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeUnsafe(key)
}

// RemoveIf drops key only while it still maps to u.
func (h *HotSet) RemoveIf(key string, u *models.Unit) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[key]
	if !ok || entry.unit != u {
		return false
	}
	h.removeUnsafe(key)
	return true
}

// removeUnsafe must be called with the lock held.
func (h *HotSet) removeUnsafe(key string) (*models.Unit, bool) {
	entry, ok := h.entries[key]
	if !ok {
		return nil, false
	}
	h.lruList.Remove(entry.element)
	delete(h.entries, key)
	return entry.unit, true
}

// evictLRUUnsafe removes the least recently used entry.
// Must be called with the lock held.
func (h *HotSet) evictLRUUnsafe() *models.Unit {
	oldest := h.lruList.Back()
	if oldest == nil {
		return nil
	}
	entry := oldest.Value.(*hotEntry)
	h.lruList.Remove(oldest)
	delete(h.entries, entry.key)
	return entry.unit
}

// Keys returns hot keys from most to least recently used.
func (h *HotSet) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := make([]string, 0, h.lruList.Len())
	for e := h.lruList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*hotEntry).key)
	}
	return keys
}

// Len returns the number of hot units.
func (h *HotSet) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Capacity returns the configured bound.
func (h *HotSet) Capacity() int {
	return h.capacity
}

// Clear removes every unit and returns them.
func (h *HotSet) Clear() []*models.Unit {
	h.mu.Lock()
	defer h.mu.Unlock()

	units := make([]*models.Unit, 0, len(h.entries))
	for _, entry := range h.entries {
		units = append(units, entry.unit)
	}
	h.entries = make(map[string]*hotEntry, h.capacity)
	h.lruList = list.New()
	return units
}
