// Package index implements the multi-dimensional unit index: a primary key
// map plus content-hash, tag and recency lookups, fronted by an optional
// Bloom membership filter.
//
// Design Notes:
//   - One mutex guards all four structures. Index operations are map updates,
//     cheap next to compression, so contention stays low
//   - The Index owns every Unit it holds; callers receive pointers but never
//     mutate index bookkeeping directly
//   - Recency stamps are strictly increasing nanosecond timestamps, so two
//     updates in the same clock tick still order correctly
//   - The Bloom filter only ever grows: removed keys stay set, which can only
//     produce false positives. It is rebuilt from the primary map once inserts
//     outrun twice its sizing estimate
//
// Complexity:
//   - Add / Remove / Touch / Exists / Get / Bytes: O(1) average plus tag count
//   - GetOldest: O(b log b) in the number of recency buckets
//   - GetByTags: O(smallest tag set * number of tags)
package index

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/foldcache/foldcache/pkg/models"
	"github.com/foldcache/foldcache/pkg/utils"
)

// Default filter sizing used when Options leaves the rate unset.
const (
	DefaultFilterCapacity    = 100_000
	DefaultFalsePositiveRate = 0.01
)

// Options configures an Index.
type Options struct {
	// FilterCapacity is the expected number of keys the membership filter is
	// sized for. Zero or negative disables the filter.
	FilterCapacity int

	// FalsePositiveRate is the target filter false-positive rate, in (0, 1).
	// Zero means DefaultFalsePositiveRate.
	FalsePositiveRate float64
}

type keySet map[string]struct{}

// Index keeps the primary, by-hash, by-tag and by-recency structures
// mutually consistent.
//
// Thread Safety: all methods are safe for concurrent use.
type Index struct {
	mu sync.Mutex

	primary   map[string]*models.Unit
	byHash    map[utils.ContentHash]keySet
	byTag     map[string]keySet
	byRecency map[int64]keySet

	// Reverse lookups: the hash, payload size and recency bucket each key
	// is filed under.
	hashOf    map[string]utils.ContentHash
	sizeOf    map[string]int64
	recencyOf map[string]int64
	lastStamp int64
	bytes     int64

	filter        *bloom.BloomFilter
	filterCap     uint
	filterRate    float64
	filterInserts uint
}

// New creates an empty Index.
func New(opts Options) (*Index, error) {
	rate := opts.FalsePositiveRate
	if rate == 0 {
		rate = DefaultFalsePositiveRate
	}
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("%w: false positive rate %v must be in (0, 1)", models.ErrConfiguration, opts.FalsePositiveRate)
	}

	idx := &Index{
		primary:    make(map[string]*models.Unit),
		byHash:     make(map[utils.ContentHash]keySet),
		byTag:      make(map[string]keySet),
		byRecency:  make(map[int64]keySet),
		hashOf:     make(map[string]utils.ContentHash),
		sizeOf:     make(map[string]int64),
		recencyOf:  make(map[string]int64),
		filterRate: rate,
	}
	if opts.FilterCapacity > 0 {
		idx.filterCap = uint(opts.FilterCapacity)
		idx.filter = bloom.NewWithEstimates(idx.filterCap, rate)
	}
	return idx, nil
}

// Add inserts u into every structure. A unit already filed under the same
// key is replaced and returned.
func (idx *Index) Add(u *models.Unit) *models.Unit {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	previous := idx.removeUnsafe(u.Key())
	idx.insertUnsafe(u)
	return previous
}

// AddIfAbsent inserts u unless its key is already indexed, in which case
// the indexed unit is returned with added false.
func (idx *Index) AddIfAbsent(u *models.Unit) (*models.Unit, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.primary[u.Key()]; ok {
		return existing, false
	}
	idx.insertUnsafe(u)
	return u, true
}

func (idx *Index) insertUnsafe(u *models.Unit) {
	key := u.Key()
	hash := u.Hash()
	size := int64(u.Size())

	idx.primary[key] = u
	idx.hashOf[key] = hash
	idx.sizeOf[key] = size
	idx.bytes += size
	addToSet(idx.byHash, hash, key)
	for _, tag := range u.Tags() {
		addToSet(idx.byTag, tag, key)
	}
	idx.fileRecencyUnsafe(key)

	if idx.filter != nil {
		idx.filter.AddString(key)
		idx.filterInserts++
		if idx.filterInserts > 2*idx.filterCap {
			idx.rebuildFilterUnsafe()
		}
	}
}

// Exists reports whether key is indexed. A negative filter answer returns
// without touching the primary map.
func (idx *Index) Exists(key string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.filter != nil && !idx.filter.TestString(key) {
		return false
	}
	_, ok := idx.primary[key]
	return ok
}

// MayContain returns the raw filter answer for key. Without a filter it
// always reports true.
func (idx *Index) MayContain(key string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.filter == nil {
		return true
	}
	return idx.filter.TestString(key)
}

// Get returns the unit filed under key. It does not update recency; see
// Touch.
func (idx *Index) Get(key string) (*models.Unit, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	u, ok := idx.primary[key]
	return u, ok
}

// Touch moves key to the newest recency bucket. It reports whether the key
// is indexed.
func (idx *Index) Touch(key string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.primary[key]; !ok {
		return false
	}
	idx.unfileRecencyUnsafe(key)
	idx.fileRecencyUnsafe(key)
	return true
}

// Rehash refiles key under its unit's current content hash and payload
// size, after the payload has been replaced in place. It reports whether
// the key is indexed.
func (idx *Index) Rehash(key string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	u, ok := idx.primary[key]
	if !ok {
		return false
	}
	size := int64(u.Size())
	idx.bytes += size - idx.sizeOf[key]
	idx.sizeOf[key] = size

	hash := u.Hash()
	old := idx.hashOf[key]
	if hash != old {
		removeFromSet(idx.byHash, old, key)
		addToSet(idx.byHash, hash, key)
		idx.hashOf[key] = hash
	}
	return true
}

// FindDuplicates returns the sorted keys filed under hash.
func (idx *Index) FindDuplicates(hash utils.ContentHash) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return sortedKeys(idx.byHash[hash])
}

// DuplicateGroups returns every set of two or more keys sharing a content
// hash. Keys within a group are sorted and groups are ordered by their
// first key.
func (idx *Index) DuplicateGroups() [][]string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var groups [][]string
	for _, keys := range idx.byHash {
		if len(keys) > 1 {
			groups = append(groups, sortedKeys(keys))
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i][0] < groups[j][0]
	})
	return groups
}

// GetByTags returns the sorted keys carrying every one of tags. An empty tag
// list matches nothing.
func (idx *Index) GetByTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Start from the smallest set to bound the intersection work.
	sets := make([]keySet, 0, len(tags))
	for _, tag := range tags {
		set, ok := idx.byTag[tag]
		if !ok {
			return []string{}
		}
		sets = append(sets, set)
	}
	slices.SortFunc(sets, func(a, b keySet) int { return len(a) - len(b) })

	result := []string{}
	for key := range sets[0] {
		inAll := true
		for _, set := range sets[1:] {
			if _, ok := set[key]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			result = append(result, key)
		}
	}
	slices.Sort(result)
	return result
}

// GetOldest returns up to n keys in ascending recency order. Keys sharing a
// bucket are ordered lexicographically.
func (idx *Index) GetOldest(n int) []string {
	if n <= 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	stamps := make([]int64, 0, len(idx.byRecency))
	for stamp := range idx.byRecency {
		stamps = append(stamps, stamp)
	}
	slices.Sort(stamps)

	result := make([]string, 0, min(n, len(idx.primary)))
	for _, stamp := range stamps {
		for _, key := range sortedKeys(idx.byRecency[stamp]) {
			result = append(result, key)
			if len(result) == n {
				return result
			}
		}
	}
	return result
}

// Remove deletes key from every structure and returns the unit that was
// filed under it. Removing an absent key is a no-op.
func (idx *Index) Remove(key string) (*models.Unit, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	u := idx.removeUnsafe(key)
	return u, u != nil
}

// RemoveIf deletes key only while it is still filed under u, so a caller
// working from a stale snapshot cannot drop a newer unit.
func (idx *Index) RemoveIf(key string, u *models.Unit) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if current, ok := idx.primary[key]; !ok || current != u {
		return false
	}
	idx.removeUnsafe(key)
	return true
}

// Keys returns every indexed key in sorted order.
func (idx *Index) Keys() []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	keys := make([]string, 0, len(idx.primary))
	for key := range idx.primary {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Units returns a snapshot of every indexed unit, in no particular order.
func (idx *Index) Units() []*models.Unit {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	units := make([]*models.Unit, 0, len(idx.primary))
	for _, u := range idx.primary {
		units = append(units, u)
	}
	return units
}

// Len returns the number of indexed keys.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.primary)
}

// Bytes returns the total compressed payload size of indexed units.
func (idx *Index) Bytes() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.bytes
}

// UniqueHashes returns the number of distinct content hashes.
func (idx *Index) UniqueHashes() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.byHash)
}

// LastAccess returns the recency stamp of key as a time.
func (idx *Index) LastAccess(key string) (time.Time, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	stamp, ok := idx.recencyOf[key]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, stamp), true
}

// Verify checks that the four structures agree. A non-nil result is a bug
// in the Index.
func (idx *Index) Verify() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var errs []error
	for key, u := range idx.primary {
		if u.Key() != key {
			errs = append(errs, fmt.Errorf("primary[%q] holds unit %q", key, u.Key()))
		}
		hash, ok := idx.hashOf[key]
		if !ok {
			errs = append(errs, fmt.Errorf("key %q has no hash entry", key))
		} else if _, ok := idx.byHash[hash][key]; !ok {
			errs = append(errs, fmt.Errorf("key %q missing from hash set %s", key, hash.Short()))
		}
		if hash != u.Hash() {
			errs = append(errs, fmt.Errorf("key %q filed under stale hash %s", key, hash.Short()))
		}
		if size, ok := idx.sizeOf[key]; !ok || size != int64(u.Size()) {
			errs = append(errs, fmt.Errorf("key %q filed with size %d, payload is %d bytes", key, size, u.Size()))
		}
		for _, tag := range u.Tags() {
			if _, ok := idx.byTag[tag][key]; !ok {
				errs = append(errs, fmt.Errorf("key %q missing from tag %q", key, tag))
			}
		}
		stamp, ok := idx.recencyOf[key]
		if !ok {
			errs = append(errs, fmt.Errorf("key %q has no recency entry", key))
		} else if _, ok := idx.byRecency[stamp][key]; !ok {
			errs = append(errs, fmt.Errorf("key %q missing from recency bucket %d", key, stamp))
		}
		if idx.filter != nil && !idx.filter.TestString(key) {
			errs = append(errs, fmt.Errorf("key %q missing from membership filter", key))
		}
	}

	errs = append(errs, checkSets("hash", idx.byHash, idx.primary)...)
	errs = append(errs, checkSets("tag", idx.byTag, idx.primary)...)
	errs = append(errs, checkSets("recency", idx.byRecency, idx.primary)...)

	var total int64
	for _, size := range idx.sizeOf {
		total += size
	}
	if total != idx.bytes || len(idx.sizeOf) != len(idx.primary) {
		errs = append(errs, fmt.Errorf("byte total %d disagrees with %d sized keys summing to %d",
			idx.bytes, len(idx.sizeOf), total))
	}

	buckets := 0
	for _, set := range idx.byRecency {
		buckets += len(set)
	}
	if buckets != len(idx.primary) {
		errs = append(errs, fmt.Errorf("recency buckets hold %d keys, primary holds %d", buckets, len(idx.primary)))
	}
	return errors.Join(errs...)
}

func (idx *Index) removeUnsafe(key string) *models.Unit {
	u, ok := idx.primary[key]
	if !ok {
		return nil
	}

	delete(idx.primary, key)
	removeFromSet(idx.byHash, idx.hashOf[key], key)
	delete(idx.hashOf, key)
	idx.bytes -= idx.sizeOf[key]
	delete(idx.sizeOf, key)
	for _, tag := range u.Tags() {
		removeFromSet(idx.byTag, tag, key)
	}
	idx.unfileRecencyUnsafe(key)
	return u
}

func (idx *Index) fileRecencyUnsafe(key string) {
	stamp := time.Now().UnixNano()
	if stamp <= idx.lastStamp {
		stamp = idx.lastStamp + 1
	}
	idx.lastStamp = stamp
	idx.recencyOf[key] = stamp
	addToSet(idx.byRecency, stamp, key)
}

func (idx *Index) unfileRecencyUnsafe(key string) {
	stamp, ok := idx.recencyOf[key]
	if !ok {
		return
	}
	removeFromSet(idx.byRecency, stamp, key)
	delete(idx.recencyOf, key)
}

// rebuildFilterUnsafe resizes the filter for the current key count and drops
// bits left behind by removed keys.
func (idx *Index) rebuildFilterUnsafe() {
	idx.filterCap = max(idx.filterCap, uint(2*len(idx.primary)))
	idx.filter = bloom.NewWithEstimates(idx.filterCap, idx.filterRate)
	for key := range idx.primary {
		idx.filter.AddString(key)
	}
	idx.filterInserts = uint(len(idx.primary))
}

func addToSet[K comparable](m map[K]keySet, k K, key string) {
	set, ok := m[k]
	if !ok {
		set = make(keySet)
		m[k] = set
	}
	set[key] = struct{}{}
}

func removeFromSet[K comparable](m map[K]keySet, k K, key string) {
	set, ok := m[k]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(m, k)
	}
}

func sortedKeys(set keySet) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func checkSets[K comparable](name string, m map[K]keySet, primary map[string]*models.Unit) []error {
	var errs []error
	for k, set := range m {
		if len(set) == 0 {
			errs = append(errs, fmt.Errorf("empty %s set for %v", name, k))
		}
		for key := range set {
			if _, ok := primary[key]; !ok {
				errs = append(errs, fmt.Errorf("%s set %v holds unindexed key %q", name, k, key))
			}
		}
	}
	return errs
}
